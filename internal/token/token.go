// Package token mints and verifies the gateway's signed credentials. It is
// stateless: rotation bookkeeping lives in the rotation package.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"relaygate.org/internal/identity"
)

// Type discriminates the two credential kinds the gateway issues.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const (
	defaultIssuer = "relaygate"

	// AccessTTL is fixed for every tenant. Callers cannot override it.
	AccessTTL = time.Hour

	// MinRefreshDays and MaxRefreshDays bound the tenant-configured refresh
	// lifetime.
	MinRefreshDays = 1
	MaxRefreshDays = 30
)

var (
	ErrMalformed        = errors.New("token: malformed token")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: token expired")
	ErrWrongType        = errors.New("token: unexpected token type")
)

// Claims are the gateway's JWT claims. Refresh tokens deliberately omit
// name/role/picture so the current profile is re-fetched at rotation time.
type Claims struct {
	TokenType Type   `json:"token_type"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	Picture   string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies credentials with a shared HS256 secret.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the issuer claim stamped into and required from
// tokens.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. An empty secret is a configuration error.
func NewService(secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: signing secret is not configured")
	}
	svc := &Service{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// ClampRefreshDays forces a tenant-supplied refresh lifetime into the
// supported range.
func ClampRefreshDays(days int) int {
	if days < MinRefreshDays {
		return MinRefreshDays
	}
	if days > MaxRefreshDays {
		return MaxRefreshDays
	}
	return days
}

// IssueAccess mints an access token for the principal. The expiry is always
// exactly one hour from now regardless of tenant configuration.
func (s *Service) IssueAccess(p identity.Principal) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(AccessTTL)
	claims := Claims{
		TokenType: TypeAccess,
		TenantID:  p.TenantID,
		Name:      p.Name,
		Role:      p.Role,
		Picture:   p.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefresh mints a refresh token with a tenant-configured lifetime in
// days, clamped to [MinRefreshDays, MaxRefreshDays]. Profile claims are never
// included.
func (s *Service) IssueRefresh(p identity.Principal, ttlDays int) (string, time.Time, error) {
	ttlDays = ClampRefreshDays(ttlDays)
	now := s.now().UTC()
	exp := now.Add(time.Duration(ttlDays) * 24 * time.Hour)
	claims := Claims{
		TokenType: TypeRefresh,
		TenantID:  p.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify validates the signature, issuer, expiry and token type. It has no
// side effects and may be called any number of times.
func (s *Service) Verify(raw string, want Type) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSignature
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if err := validateClaims(claims, s.now().UTC()); err != nil {
		return nil, ErrMalformed
	}
	if claims.TokenType != want {
		return nil, ErrWrongType
	}
	return claims, nil
}

func validateClaims(claims *Claims, now time.Time) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return errors.New("tenant missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
