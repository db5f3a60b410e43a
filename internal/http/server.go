package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BalajiS74/trakerbackend/internal/auth"
	"github.com/BalajiS74/trakerbackend/internal/config"
	"github.com/BalajiS74/trakerbackend/internal/identity"
	"github.com/BalajiS74/trakerbackend/internal/model"
	"github.com/BalajiS74/trakerbackend/internal/repository"
	"github.com/BalajiS74/trakerbackend/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Service
	tokens   *auth.Tokens
	store    repository.Store
	logger   *slog.Logger
}

func NewServer(cfg config.Config, sessions *session.Service, tokens *auth.Tokens, store repository.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		store:    store,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
		r.Post("/forgot-password", s.handleForgotPassword)

		r.With(s.authMiddleware).Put("/update", s.handleUpdateProfile)
		r.With(s.authMiddleware).Delete("/delete", s.handleDelete)
		r.With(s.authMiddleware).Post("/avatar", s.handleUploadAvatar)
		r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Get("/active-users", s.handleActiveUsers)
	})

	r.Route("/api/buses", func(r chi.Router) {
		r.Get("/", s.handleListBuses)
		r.Post("/", s.handleCreateBus)
		r.Put("/toggle/{busid}", s.handleToggleBus)
		r.Put("/toggleAll", s.handleToggleAllBuses)
	})

	r.Route("/api/reports", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/", s.handleCreateReport)
		r.Get("/user/{userId}", s.handleUserReports)
		r.Delete("/delete/{reportId}", s.handleDeleteReport)
		r.With(s.requireRole(model.RoleAdmin)).Get("/all", s.handleAllReports)
		r.With(s.requireRole(model.RoleAdmin)).Put("/respond/{reportId}", s.handleRespondReport)
	})

	return r
}

type guardianPayload struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Gender   string `json:"gender"`
	Address  string `json:"address"`
}

type signupRequest struct {
	Email            string           `json:"email"`
	Password         string           `json:"password"`
	Name             string           `json:"name"`
	Phone            string           `json:"phone"`
	Gender           string           `json:"gender"`
	Role             string           `json:"role"`
	College          string           `json:"collegename"`
	Dept             string           `json:"dept"`
	Year             int              `json:"year"`
	EmergencyContact *model.Contact   `json:"emergencyContact"`
	Father           *guardianPayload `json:"father"`
	Mother           *guardianPayload `json:"mother"`
	Guardian         *guardianPayload `json:"guardian"`
}

type authResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	Role         string          `json:"role"`
	User         session.Profile `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = normalizeEmail(req.Email)
	req.Role = strings.TrimSpace(strings.ToLower(req.Role))
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_password")
		return
	}
	if req.Role == "" {
		writeError(w, http.StatusBadRequest, "missing_role")
		return
	}

	input := session.SignupInput{
		Email:            req.Email,
		Password:         req.Password,
		Name:             req.Name,
		Phone:            req.Phone,
		Gender:           req.Gender,
		Role:             req.Role,
		College:          req.College,
		Dept:             req.Dept,
		Year:             req.Year,
		EmergencyContact: req.EmergencyContact,
		Guardians:        map[string]session.GuardianInput{},
	}
	for relation, payload := range map[string]*guardianPayload{
		model.RelationFather:   req.Father,
		model.RelationMother:   req.Mother,
		model.RelationGuardian: req.Guardian,
	} {
		if payload == nil {
			continue
		}
		input.Guardians[relation] = session.GuardianInput{
			Name:     payload.Name,
			Phone:    payload.Phone,
			Email:    normalizeEmail(payload.Email),
			Password: payload.Password,
			Gender:   payload.Gender,
			Address:  payload.Address,
		}
	}

	sess, err := s.sessions.Signup(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrDuplicateIdentity):
			writeError(w, http.StatusBadRequest, "email_already_registered")
		case errors.Is(err, session.ErrValidation):
			writeError(w, http.StatusBadRequest, "invalid_fields")
		default:
			s.serverError(w, r, "signup failed", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		Role:         sess.Role,
		User:         sess.Profile,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	sess, err := s.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		// Not-found and bad-credential stay distinct in metrics but share
		// one external message to resist account enumeration.
		switch {
		case errors.Is(err, session.ErrNotFound):
			loginAttempts.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
		case errors.Is(err, session.ErrBadCredential):
			loginAttempts.WithLabelValues("bad_credential").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
		case errors.Is(err, identity.ErrIntegrity):
			loginAttempts.WithLabelValues("integrity_violation").Inc()
			s.serverError(w, r, "login integrity violation", err)
		default:
			loginAttempts.WithLabelValues("error").Inc()
			s.serverError(w, r, "login failed", err)
		}
		return
	}

	loginAttempts.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		Role:         sess.Role,
		User:         sess.Profile,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	pair, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			refreshAttempts.WithLabelValues("expired").Inc()
			writeError(w, http.StatusForbidden, "invalid_refresh_token")
		case errors.Is(err, auth.ErrTokenMalformed):
			refreshAttempts.WithLabelValues("malformed").Inc()
			writeError(w, http.StatusForbidden, "invalid_refresh_token")
		case errors.Is(err, session.ErrTokenNotRecognized):
			refreshAttempts.WithLabelValues("not_recognized").Inc()
			writeError(w, http.StatusForbidden, "invalid_refresh_token")
		default:
			refreshAttempts.WithLabelValues("error").Inc()
			s.serverError(w, r, "refresh failed", err)
		}
		return
	}

	refreshAttempts.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	if err := s.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		s.serverError(w, r, "logout failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type forgotPasswordRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	if err := s.sessions.ResetPassword(r.Context(), req.Email, req.NewPassword); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		s.serverError(w, r, "password reset failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

type updateProfileRequest struct {
	Name             *string        `json:"name,omitempty"`
	Phone            *string        `json:"phone,omitempty"`
	Gender           *string        `json:"gender,omitempty"`
	Address          *string        `json:"address,omitempty"`
	Password         *string        `json:"password,omitempty"`
	College          *string        `json:"collegename,omitempty"`
	Dept             *string        `json:"dept,omitempty"`
	Year             *int           `json:"year,omitempty"`
	EmergencyContact *model.Contact `json:"emergencyContact,omitempty"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	profile, err := s.sessions.UpdateProfile(r.Context(), principal.Account, principal.Role, session.UpdateInput{
		Name:             req.Name,
		Phone:            req.Phone,
		Gender:           req.Gender,
		Address:          req.Address,
		Password:         req.Password,
		College:          req.College,
		Dept:             req.Dept,
		Year:             req.Year,
		EmergencyContact: req.EmergencyContact,
	})
	if err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.serverError(w, r, "profile update failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "profile updated",
		"user":    profile,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	if err := s.sessions.Delete(r.Context(), principal.Account, principal.Role); err != nil {
		switch {
		case errors.Is(err, session.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "forbidden")
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, "user_not_found")
		default:
			s.serverError(w, r, "delete failed", err)
		}
		return
	}

	message := "account deleted"
	if model.IsRelation(principal.Role) {
		message = principal.Role + " removed from account"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

const maxAvatarBytes = 8 << 20

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload")
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file")
		return
	}
	defer file.Close()

	url, err := s.sessions.SetAvatar(r.Context(), principal.Account, header.Filename, file)
	if err != nil {
		s.serverError(w, r, "avatar upload failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "avatar uploaded",
		"avatarUrl": url,
	})
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	rangeName := r.URL.Query().Get("range")
	switch rangeName {
	case "", "daily":
		rangeName = "daily"
	case "weekly", "monthly":
	default:
		writeError(w, http.StatusBadRequest, "invalid_range")
		return
	}

	stats, err := s.sessions.ActiveUsers(r.Context(), rangeName)
	if err != nil {
		s.serverError(w, r, "active users query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// principalContext is what the access guard attaches to the request: the
// freshly loaded owning account and the session's effective role.
type principalContext struct {
	Account model.Principal
	Role    string
}

type principalKey struct{}

func principalFromContext(ctx context.Context) *principalContext {
	value := ctx.Value(principalKey{})
	principal, _ := value.(*principalContext)
	return principal
}

// authMiddleware is the access guard: verify the bearer token, load the
// current principal by the token's id, and reject uniformly on any failure
// without telling the caller which check tripped.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := s.tokens.ParseAccessToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		account, err := s.store.GetPrincipal(r.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Deleted after issuance; the signature alone is not enough.
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			s.serverError(w, r, "principal load failed", err)
			return
		}

		role, ok := session.EffectiveRole(account, claims.Role)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, &principalContext{
			Account: account,
			Role:    role,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects unless the freshly loaded role is in the allow-list.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := principalFromContext(r.Context())
			if principal == nil || !allowed[principal.Role] {
				writeError(w, http.StatusForbidden, "access_denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "server_error")
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
