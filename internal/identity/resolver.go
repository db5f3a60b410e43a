// Package identity resolves a contact address to the principal that owns it.
//
// An address may belong to a standalone account or to a guardian embedded in
// a student record. The resolver returns a tagged Resolution so downstream
// code (token issuance, profile projection) switches on the binding once
// instead of probing fields per caller.
package identity

import (
	"context"
	"errors"

	"github.com/BalajiS74/trakerbackend/internal/model"
	"github.com/BalajiS74/trakerbackend/internal/repository"
)

var (
	// ErrNotFound means no account or guardian owns the address.
	ErrNotFound = errors.New("identity not found")
	// ErrIntegrity means more than one binding matched the address, which the
	// write path is supposed to make impossible. Resolution fails closed.
	ErrIntegrity = errors.New("duplicate identity binding")
)

type Kind int

const (
	KindStandalone Kind = iota
	KindLinked
)

// Resolution names the binding an address resolved to. Account is always the
// owning record; for linked bindings the refresh-token list lives there too.
type Resolution struct {
	Kind     Kind
	Account  model.Principal
	Role     string
	Relation string
	Guardian model.Guardian
}

// PasswordHash returns the hash the resolved binding authenticates against.
func (r Resolution) PasswordHash() string {
	if r.Kind == KindLinked {
		return r.Guardian.PasswordHash
	}
	return r.Account.PasswordHash
}

type Resolver struct {
	store repository.Store
}

func NewResolver(store repository.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks the address up across account emails and every embedded
// guardian email. Exactly one binding must match.
func (r *Resolver) Resolve(ctx context.Context, email string) (Resolution, error) {
	principals, err := r.store.FindByContact(ctx, email)
	if err != nil {
		return Resolution{}, err
	}

	var resolved []Resolution
	for _, p := range principals {
		if p.Email == email {
			resolved = append(resolved, Resolution{
				Kind:    KindStandalone,
				Account: p,
				Role:    p.Role,
			})
		}
		for relation, g := range p.Guardians {
			if g.Email == email {
				resolved = append(resolved, Resolution{
					Kind:     KindLinked,
					Account:  p,
					Role:     relation,
					Relation: relation,
					Guardian: g,
				})
			}
		}
	}

	switch len(resolved) {
	case 0:
		return Resolution{}, ErrNotFound
	case 1:
		return resolved[0], nil
	default:
		return Resolution{}, ErrIntegrity
	}
}
