package session

import "errors"

var (
	// ErrDuplicateIdentity is returned when a signup address already resolves
	// to an account or an embedded guardian.
	ErrDuplicateIdentity = errors.New("identity already registered")
	// ErrNotFound is returned when a login address resolves to nothing. The
	// HTTP boundary merges it with ErrBadCredential.
	ErrNotFound      = errors.New("account not found")
	ErrBadCredential = errors.New("bad credential")
	// ErrTokenNotRecognized means a refresh token verified but is absent from
	// the owning account's list: rotated out, revoked, or for a deleted
	// account.
	ErrTokenNotRecognized = errors.New("refresh token not recognized")
	ErrUnauthorized       = errors.New("not permitted")
	ErrValidation         = errors.New("invalid input")
)
