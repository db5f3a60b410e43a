package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BalajiS74/trakerbackend/internal/model"
)

// openTestStore connects to the database named by TEST_DATABASE_URL and
// applies migrations. Tests that need it are skipped when the variable is
// unset so the suite stays runnable without infrastructure.
func openTestStore(t *testing.T) *Postgres {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPostgres(pool)
}

func testPrincipal() model.Principal {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Principal{
		ID:           uuid.NewString(),
		Email:        uuid.NewString() + "@test.local",
		PasswordHash: "hash",
		Name:         "Test Principal",
		Role:         model.RoleStudent,
		Guardians: map[string]model.Guardian{
			model.RelationFather: {
				Name:         "Father",
				Email:        uuid.NewString() + "@test.local",
				PasswordHash: "hash",
			},
		},
		RefreshTokens: []string{"token-a"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresPrincipalRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := testPrincipal()
	if err := store.CreatePrincipal(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _, _ = store.DeletePrincipal(ctx, p.ID) })

	loaded, err := store.GetPrincipal(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Email != p.Email || loaded.Role != p.Role {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	father, ok := loaded.Guardians[model.RelationFather]
	if !ok || father.Email != p.Guardians[model.RelationFather].Email {
		t.Fatalf("guardians not preserved: %+v", loaded.Guardians)
	}
	if len(loaded.RefreshTokens) != 1 || loaded.RefreshTokens[0] != "token-a" {
		t.Fatalf("refresh tokens not preserved: %v", loaded.RefreshTokens)
	}

	// Duplicate account address is rejected by the unique index.
	dup := testPrincipal()
	dup.Email = p.Email
	if err := store.CreatePrincipal(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresFindByContact(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := testPrincipal()
	if err := store.CreatePrincipal(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _, _ = store.DeletePrincipal(ctx, p.ID) })

	// The account's own address and an embedded guardian address both match.
	for _, email := range []string{p.Email, p.Guardians[model.RelationFather].Email} {
		matches, err := store.FindByContact(ctx, email)
		if err != nil {
			t.Fatalf("find %s: %v", email, err)
		}
		if len(matches) != 1 || matches[0].ID != p.ID {
			t.Fatalf("find %s: unexpected matches %+v", email, matches)
		}
	}

	matches, err := store.FindByContact(ctx, "nobody@test.local")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestPostgresRotateRefreshToken(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := testPrincipal()
	if err := store.CreatePrincipal(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _, _ = store.DeletePrincipal(ctx, p.ID) })

	rotated, err := store.RotateRefreshToken(ctx, p.ID, "token-a", "token-b")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatalf("expected rotation to apply")
	}

	// The old token is gone, so the same rotation cannot apply twice.
	rotated, err = store.RotateRefreshToken(ctx, p.ID, "token-a", "token-c")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated {
		t.Fatalf("stale rotation must not apply")
	}

	loaded, err := store.GetPrincipal(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.RefreshTokens) != 1 || loaded.RefreshTokens[0] != "token-b" {
		t.Fatalf("unexpected token list: %v", loaded.RefreshTokens)
	}
}
