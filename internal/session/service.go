// Package session orchestrates the token lifecycle: signup, login,
// refresh rotation, logout, and the profile operations gated by a verified
// access token. All session state lives in the record store; the service
// itself is stateless and safe for concurrent requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BalajiS74/trakerbackend/internal/auth"
	"github.com/BalajiS74/trakerbackend/internal/blob"
	"github.com/BalajiS74/trakerbackend/internal/crypto"
	"github.com/BalajiS74/trakerbackend/internal/identity"
	"github.com/BalajiS74/trakerbackend/internal/model"
	"github.com/BalajiS74/trakerbackend/internal/repository"
)

// maxRefreshTokens caps the per-account revocation list; expired entries are
// pruned on login so the list cannot grow without bound.
const maxRefreshTokens = 10

// Cache is an optional read-through cache for aggregate queries.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

type Service struct {
	store    repository.Store
	resolver *identity.Resolver
	tokens   *auth.Tokens
	blobs    blob.Store
	cache    Cache
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store repository.Store, tokens *auth.Tokens, blobs blob.Store, cache Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		resolver: identity.NewResolver(store),
		tokens:   tokens,
		blobs:    blobs,
		cache:    cache,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type GuardianInput struct {
	Name     string
	Phone    string
	Email    string
	Password string
	Gender   string
	Address  string
}

type SignupInput struct {
	Email            string
	Password         string
	Name             string
	Phone            string
	Gender           string
	Role             string
	College          string
	Dept             string
	Year             int
	EmergencyContact *model.Contact
	Guardians        map[string]GuardianInput
}

// RelatedTo cross-references the owning student account on guardian sessions.
type RelatedTo struct {
	StudentID    string `json:"studentId"`
	StudentName  string `json:"studentName"`
	StudentEmail string `json:"studentEmail"`
}

// Profile is the safe projection returned to clients. It never carries a
// password hash.
type Profile struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Phone     string     `json:"phone,omitempty"`
	Gender    string     `json:"gender,omitempty"`
	Address   string     `json:"address,omitempty"`
	College   string     `json:"collegename,omitempty"`
	Dept      string     `json:"dept,omitempty"`
	Year      int        `json:"year,omitempty"`
	Avatar    string     `json:"avatar,omitempty"`
	RelatedTo *RelatedTo `json:"relatedTo,omitempty"`
}

type Session struct {
	AccessToken  string
	RefreshToken string
	Role         string
	Profile      Profile
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (s *Service) Signup(ctx context.Context, input SignupInput) (*Session, error) {
	if !model.IsAccountRole(input.Role) {
		return nil, fmt.Errorf("%w: role", ErrValidation)
	}

	seen := map[string]bool{input.Email: true}
	if err := s.requireUnregistered(ctx, input.Email); err != nil {
		return nil, err
	}

	guardians := make(map[string]model.Guardian, len(input.Guardians))
	for relation, g := range input.Guardians {
		if !model.IsRelation(relation) {
			return nil, fmt.Errorf("%w: relation %q", ErrValidation, relation)
		}
		if g.Email == "" || g.Password == "" {
			return nil, fmt.Errorf("%w: guardian %s", ErrValidation, relation)
		}
		if seen[g.Email] {
			return nil, ErrDuplicateIdentity
		}
		seen[g.Email] = true
		if err := s.requireUnregistered(ctx, g.Email); err != nil {
			return nil, err
		}
		hash, err := crypto.HashPassword(g.Password)
		if err != nil {
			return nil, err
		}
		guardians[relation] = model.Guardian{
			Name:         g.Name,
			Phone:        g.Phone,
			Email:        g.Email,
			PasswordHash: hash,
			Gender:       g.Gender,
			Address:      g.Address,
		}
	}

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	account := model.Principal{
		ID:           uuid.NewString(),
		Email:        input.Email,
		PasswordHash: hash,
		Name:         input.Name,
		Phone:        input.Phone,
		Gender:       input.Gender,
		Role:         input.Role,
		College:      input.College,
		Dept:         input.Dept,
		Year:         input.Year,
		Guardians:    guardians,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.Role == model.RoleStaff {
		account.EmergencyContact = input.EmergencyContact
	}

	// The account is verified by construction, so a token pair is issued
	// immediately rather than requiring a separate login.
	accessToken, err := s.tokens.NewAccessToken(account.ID, account.Role)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.tokens.NewRefreshToken(account.ID, account.Role)
	if err != nil {
		return nil, err
	}
	account.RefreshTokens = []string{refreshToken}

	if err := s.store.CreatePrincipal(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}

	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Role:         account.Role,
		Profile:      standaloneProfile(account),
	}, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	res, err := s.resolver.Resolve(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, identity.ErrIntegrity) {
			s.logger.Error("login rejected: duplicate identity binding", "email", email)
		}
		return nil, err
	}

	if err := crypto.CheckPassword(res.PasswordHash(), password); err != nil {
		return nil, ErrBadCredential
	}

	account := res.Account
	now := s.now()
	account.LastLogin = &now

	refreshToken, err := s.tokens.NewRefreshToken(account.ID, res.Role)
	if err != nil {
		return nil, err
	}
	account.RefreshTokens = append(s.pruneRefreshTokens(account.RefreshTokens), refreshToken)

	if err := s.store.UpdatePrincipal(ctx, account); err != nil {
		return nil, err
	}

	accessToken, err := s.tokens.NewAccessToken(account.ID, res.Role)
	if err != nil {
		return nil, err
	}

	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Role:         res.Role,
		Profile:      s.profileFor(res),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	claims, err := s.tokens.ParseRefreshToken(token)
	if err != nil {
		return nil, err
	}

	account, err := s.store.GetPrincipal(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Valid signature for a deleted account.
			return nil, ErrTokenNotRecognized
		}
		return nil, err
	}
	if !account.HasRefreshToken(token) {
		return nil, ErrTokenNotRecognized
	}

	// Role is carried forward from issuance, not re-derived, so guardian
	// sessions keep their relation role across rotations.
	newRefresh, err := s.tokens.NewRefreshToken(account.ID, claims.Role)
	if err != nil {
		return nil, err
	}

	rotated, err := s.store.RotateRefreshToken(ctx, account.ID, token, newRefresh)
	if err != nil {
		return nil, err
	}
	if !rotated {
		// A concurrent refresh won the rotation.
		return nil, ErrTokenNotRecognized
	}

	accessToken, err := s.tokens.NewAccessToken(account.ID, claims.Role)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: accessToken, RefreshToken: newRefresh}, nil
}

// Logout removes the refresh token from its owning account's list. It is
// idempotent: tokens that cannot be decoded, tokens for unknown accounts, and
// tokens already absent from the list all succeed as "already logged out".
// Expiry is deliberately not checked; an expired token's string is still
// removable.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := auth.ClaimsWithoutVerification(token)
	if err != nil {
		return nil
	}

	account, err := s.store.GetPrincipal(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !account.RemoveRefreshToken(token) {
		return nil
	}
	return s.store.UpdatePrincipal(ctx, account)
}

type UpdateInput struct {
	Name             *string
	Phone            *string
	Gender           *string
	Address          *string
	Password         *string
	College          *string
	Dept             *string
	Year             *int
	EmergencyContact *model.Contact
}

// UpdateProfile mutates the binding named by the session role: the account
// itself for standalone sessions, the embedded guardian for linked ones. The
// target is always derived from the verified token, never from the body.
func (s *Service) UpdateProfile(ctx context.Context, account model.Principal, sessionRole string, input UpdateInput) (*Profile, error) {
	if model.IsRelation(sessionRole) {
		guardian, ok := account.Guardians[sessionRole]
		if !ok {
			return nil, ErrUnauthorized
		}
		if input.Name != nil {
			guardian.Name = *input.Name
		}
		if input.Phone != nil {
			guardian.Phone = *input.Phone
		}
		if input.Gender != nil {
			guardian.Gender = *input.Gender
		}
		if input.Address != nil {
			guardian.Address = *input.Address
		}
		if input.Password != nil && *input.Password != "" {
			hash, err := crypto.HashPassword(*input.Password)
			if err != nil {
				return nil, err
			}
			guardian.PasswordHash = hash
		}
		account.Guardians[sessionRole] = guardian

		if err := s.store.UpdatePrincipal(ctx, account); err != nil {
			return nil, err
		}
		profile := linkedProfile(account, sessionRole, guardian)
		return &profile, nil
	}

	if input.Name != nil {
		account.Name = *input.Name
	}
	if input.Phone != nil {
		account.Phone = *input.Phone
	}
	if input.Gender != nil {
		account.Gender = *input.Gender
	}
	if input.College != nil {
		account.College = *input.College
	}
	if input.Dept != nil {
		account.Dept = *input.Dept
	}
	if input.Year != nil {
		account.Year = *input.Year
	}
	if input.EmergencyContact != nil && account.Role == model.RoleStaff {
		account.EmergencyContact = input.EmergencyContact
	}
	if input.Password != nil && *input.Password != "" {
		hash, err := crypto.HashPassword(*input.Password)
		if err != nil {
			return nil, err
		}
		account.PasswordHash = hash
	}

	if err := s.store.UpdatePrincipal(ctx, account); err != nil {
		return nil, err
	}
	profile := standaloneProfile(account)
	return &profile, nil
}

// Delete removes the caller's identity. Standalone sessions delete the whole
// account, which invalidates every outstanding refresh token with it. Linked
// sessions unlink the guardian from the owning account without deleting it.
func (s *Service) Delete(ctx context.Context, account model.Principal, sessionRole string) error {
	if model.IsRelation(sessionRole) {
		if _, ok := account.Guardians[sessionRole]; !ok {
			return ErrUnauthorized
		}
		delete(account.Guardians, sessionRole)
		return s.store.UpdatePrincipal(ctx, account)
	}

	deleted, err := s.store.DeletePrincipal(ctx, account.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// SetAvatar stores the uploaded image and replaces the account's avatar
// reference, deleting the prior blob best-effort.
func (s *Service) SetAvatar(ctx context.Context, account model.Principal, filename string, content io.Reader) (string, error) {
	url, err := s.blobs.Put(ctx, filename, content)
	if err != nil {
		return "", err
	}

	if account.Avatar != "" {
		if err := s.blobs.Delete(ctx, account.Avatar); err != nil {
			s.logger.Warn("stale avatar not deleted", "avatar", account.Avatar, "error", err)
		}
	}

	account.Avatar = url
	if err := s.store.UpdatePrincipal(ctx, account); err != nil {
		return "", err
	}
	return url, nil
}

// ResetPassword re-hashes the secret for whichever binding owns the address.
func (s *Service) ResetPassword(ctx context.Context, email, newPassword string) error {
	res, err := s.resolver.Resolve(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}

	account := res.Account
	if res.Kind == identity.KindLinked {
		guardian := account.Guardians[res.Relation]
		guardian.PasswordHash = hash
		account.Guardians[res.Relation] = guardian
	} else {
		account.PasswordHash = hash
	}
	return s.store.UpdatePrincipal(ctx, account)
}

type ActiveStats struct {
	Range    string `json:"range"`
	Total    int    `json:"total"`
	Students int    `json:"students"`
	Parents  int    `json:"parents"`
	Staff    int    `json:"staff"`
	Admins   int    `json:"admins"`
}

// ActiveUsers counts principals that authenticated within the trailing
// window. Results go through the cache when one is configured.
func (s *Service) ActiveUsers(ctx context.Context, rangeName string) (*ActiveStats, error) {
	days := 1
	switch rangeName {
	case "weekly":
		days = 7
	case "monthly":
		days = 30
	}

	cacheKey := "stats:active-users:" + rangeName
	if s.cache != nil {
		var cached ActiveStats
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	since := s.now().AddDate(0, 0, -days)
	counts, err := s.store.CountActiveByRole(ctx, since)
	if err != nil {
		return nil, err
	}

	stats := &ActiveStats{
		Range:    rangeName,
		Students: counts[model.RoleStudent],
		Parents:  counts[model.RoleParent],
		Staff:    counts[model.RoleStaff],
		Admins:   counts[model.RoleAdmin],
	}
	for _, count := range counts {
		stats.Total += count
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, stats); err != nil {
			s.logger.Warn("stats cache write failed", "error", err)
		}
	}
	return stats, nil
}

// EffectiveRole reports the caller's current role for a freshly loaded
// account, so role changes apply without waiting for token expiry. For linked
// sessions the relation must still exist; an unlinked guardian no longer has
// a role.
func EffectiveRole(account model.Principal, tokenRole string) (string, bool) {
	if model.IsRelation(tokenRole) {
		if _, ok := account.Guardians[tokenRole]; !ok {
			return "", false
		}
		return tokenRole, true
	}
	return account.Role, true
}

func (s *Service) requireUnregistered(ctx context.Context, email string) error {
	_, err := s.resolver.Resolve(ctx, email)
	switch {
	case err == nil, errors.Is(err, identity.ErrIntegrity):
		return ErrDuplicateIdentity
	case errors.Is(err, identity.ErrNotFound):
		return nil
	default:
		return err
	}
}

// pruneRefreshTokens drops expired or undecodable entries and bounds the list
// so the newest maxRefreshTokens-1 survive ahead of the next append.
func (s *Service) pruneRefreshTokens(tokens []string) []string {
	kept := tokens[:0]
	for _, t := range tokens {
		if _, err := s.tokens.ParseRefreshToken(t); err == nil {
			kept = append(kept, t)
		}
	}
	if len(kept) > maxRefreshTokens-1 {
		kept = kept[len(kept)-(maxRefreshTokens-1):]
	}
	return kept
}

func (s *Service) profileFor(res identity.Resolution) Profile {
	if res.Kind == identity.KindLinked {
		return linkedProfile(res.Account, res.Relation, res.Guardian)
	}
	return standaloneProfile(res.Account)
}

func standaloneProfile(account model.Principal) Profile {
	return Profile{
		ID:      account.ID,
		Name:    account.Name,
		Email:   account.Email,
		Role:    account.Role,
		Phone:   account.Phone,
		Gender:  account.Gender,
		College: account.College,
		Dept:    account.Dept,
		Year:    account.Year,
		Avatar:  account.Avatar,
	}
}

func linkedProfile(account model.Principal, relation string, guardian model.Guardian) Profile {
	return Profile{
		ID:      account.ID,
		Name:    guardian.Name,
		Email:   guardian.Email,
		Role:    relation,
		Phone:   guardian.Phone,
		Gender:  guardian.Gender,
		Address: guardian.Address,
		RelatedTo: &RelatedTo{
			StudentID:    account.ID,
			StudentName:  account.Name,
			StudentEmail: account.Email,
		},
	}
}
