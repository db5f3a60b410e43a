package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token parse failures. Both map to the same caller-visible rejection; the
// distinction is kept for diagnostics.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

type Claims struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies the two token kinds. Access and refresh tokens
// use independent secrets, so one kind never verifies as the other.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewTokens(accessSecret, refreshSecret, issuer string, accessTTL, refreshTTL time.Duration) *Tokens {
	return &Tokens{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

func (t *Tokens) NewAccessToken(userID, role string) (string, error) {
	return t.sign(userID, role, t.accessSecret, t.accessTTL)
}

func (t *Tokens) NewRefreshToken(userID, role string) (string, error) {
	return t.sign(userID, role, t.refreshSecret, t.refreshTTL)
}

func (t *Tokens) ParseAccessToken(tokenString string) (*Claims, error) {
	return parse(tokenString, t.accessSecret)
}

func (t *Tokens) ParseRefreshToken(tokenString string) (*Claims, error) {
	return parse(tokenString, t.refreshSecret)
}

// ClaimsWithoutVerification decodes the payload without checking signature or
// expiry. Logout uses it to locate the owning account for best-effort token
// removal; nothing security-relevant may depend on the result.
func ClaimsWithoutVerification(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (t *Tokens) sign(userID, role string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
