// Package token signs and validates the bearer credentials issued for a
// session: a short-lived access token and a long-lived refresh token bound to
// the session's current rotation state.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("token",
	fx.Provide(NewSigner),
)

var (
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrMalformed    = errors.New("token malformed")
)

const issuer = "keyline"

// AccessClaims is the claim set carried by access tokens.
type AccessClaims struct {
	TenantID  string `json:"tid"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// refreshClaims is the wire form of a refresh token. It is never handed to
// business logic directly; ParseRefresh converts it into a RefreshCredential.
type refreshClaims struct {
	SessionID      string `json:"sid"`
	RefreshTokenID string `json:"rtid"`
	RefreshVersion int64  `json:"rtv"`
	jwt.RegisteredClaims
}

// RefreshCredential is the validated, strongly-typed form of a presented
// refresh token. Construction fails closed on any missing or malformed field.
type RefreshCredential struct {
	UserID         snowflake.ID
	SessionID      snowflake.ID
	RefreshTokenID string
	RefreshVersion int64
	ExpiresAt      time.Time
}

// Signer signs claim sets and validates presented tokens.
type Signer struct {
	secret []byte
	clock  clock.Clock
}

func NewSigner(cfg config.Config, clk clock.Clock) (*Signer, error) {
	secret := strings.TrimSpace(cfg.AuthSecret)
	if secret == "" {
		return nil, errors.New("AUTH_SECRET is required")
	}
	return &Signer{
		secret: []byte(secret),
		clock:  clk,
	}, nil
}

// SignAccess mints an access token for the given identity.
func (s *Signer) SignAccess(userID, tenantID, sessionID snowflake.ID, role, email string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := AccessClaims{
		TenantID:  tenantID.String(),
		Role:      role,
		SessionID: sessionID.String(),
		Email:     email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// SignRefresh mints a refresh token asserting the session's current
// (refreshTokenID, version) pair.
func (s *Signer) SignRefresh(userID, sessionID snowflake.ID, refreshTokenID string, version int64, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := refreshClaims{
		SessionID:      sessionID.String(),
		RefreshTokenID: refreshTokenID,
		RefreshVersion: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateAccess verifies an access token and returns its claims.
func (s *Signer) ValidateAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(raw, claims); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and produces the typed credential the
// session engine operates on.
func (s *Signer) ParseRefresh(raw string) (RefreshCredential, error) {
	claims := &refreshClaims{}
	if err := s.parse(raw, claims); err != nil {
		return RefreshCredential{}, err
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(claims.Subject))
	if err != nil {
		return RefreshCredential{}, ErrMalformed
	}
	sessionID, err := snowflake.ParseString(strings.TrimSpace(claims.SessionID))
	if err != nil {
		return RefreshCredential{}, ErrMalformed
	}
	tokenID := strings.TrimSpace(claims.RefreshTokenID)
	if tokenID == "" || claims.RefreshVersion < 1 || claims.ExpiresAt == nil {
		return RefreshCredential{}, ErrMalformed
	}

	return RefreshCredential{
		UserID:         userID,
		SessionID:      sessionID,
		RefreshTokenID: tokenID,
		RefreshVersion: claims.RefreshVersion,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}

func (s *Signer) parse(raw string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	switch {
	case err == nil && parsed.Valid:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	default:
		return ErrMalformed
	}
}
