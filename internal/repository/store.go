package repository

import (
	"context"
	"errors"
	"time"

	"github.com/BalajiS74/trakerbackend/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a create would violate a uniqueness
	// constraint (principal email, bus id).
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence boundary. Principal writes are whole-record
// replacements; RotateRefreshToken is the one conditional update, so that two
// concurrent refreshes of the same token cannot both succeed.
type Store interface {
	// FindByContact returns every principal whose own email or any embedded
	// guardian email equals the address. Uniqueness means at most one record
	// should come back; callers treat more as an integrity violation.
	FindByContact(ctx context.Context, email string) ([]model.Principal, error)
	GetPrincipal(ctx context.Context, id string) (model.Principal, error)
	CreatePrincipal(ctx context.Context, p model.Principal) error
	UpdatePrincipal(ctx context.Context, p model.Principal) error
	DeletePrincipal(ctx context.Context, id string) (bool, error)
	// RotateRefreshToken atomically replaces oldToken with newToken in the
	// account's list. It reports false when oldToken was not present.
	RotateRefreshToken(ctx context.Context, id, oldToken, newToken string) (bool, error)
	CountActiveByRole(ctx context.Context, since time.Time) (map[string]int, error)

	ListBuses(ctx context.Context) ([]model.Bus, error)
	CreateBus(ctx context.Context, bus model.Bus) error
	UpsertBusAvailability(ctx context.Context, busID string, notAvailable bool) (model.Bus, error)
	SetAllBusAvailability(ctx context.Context, notAvailable bool) error

	CreateReport(ctx context.Context, rep model.Report) error
	GetReport(ctx context.Context, id string) (model.Report, error)
	ListReportsByUser(ctx context.Context, userID string) ([]model.Report, error)
	ListReports(ctx context.Context) ([]model.Report, error)
	UpdateReport(ctx context.Context, rep model.Report) error
	DeleteReport(ctx context.Context, id string) (bool, error)
}
