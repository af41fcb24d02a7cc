package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/identity"
	"relaygate.org/internal/obs"
	"relaygate.org/internal/tenant"
	"relaygate.org/internal/token"
)

var (
	// ErrTokenReused indicates a refresh token was presented after it had
	// already been consumed. By the time a caller sees this error the
	// subject's outstanding refresh tokens have been revoked and the
	// security audit event has been emitted.
	ErrTokenReused = errors.New("rotation: refresh token reused")
	// ErrTenantMismatch indicates the caller-supplied tenant does not match
	// the token's tenant claim.
	ErrTenantMismatch = errors.New("rotation: tenant mismatch")
	// ErrRevoked indicates the token was issued before the subject's
	// revocation watermark.
	ErrRevoked = errors.New("rotation: token revoked")
)

// Pair is a freshly issued access/refresh credential pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ExpiresIn returns the access token lifetime in whole seconds, relative to
// issue time.
func (p Pair) ExpiresIn() int {
	return int(token.AccessTTL / time.Second)
}

// Protocol orchestrates a refresh attempt: verify, check-and-mark consumed,
// re-issue. Each call is a single atomic attempt with no retries.
type Protocol struct {
	tokens   *token.Service
	ledger   Ledger
	tenants  tenant.Provider
	sink     audit.Sink
	profiles identity.ProfileResolver
	now      func() time.Time
}

// ProtocolOption configures Protocol behavior.
type ProtocolOption func(*Protocol)

// WithProfileResolver re-resolves the subject's current profile when minting
// the new access token, so name/role changes propagate at rotation time.
func WithProfileResolver(r identity.ProfileResolver) ProtocolOption {
	return func(p *Protocol) { p.profiles = r }
}

// WithProtocolClock overrides the time source (useful for tests).
func WithProtocolClock(fn func() time.Time) ProtocolOption {
	return func(p *Protocol) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewProtocol constructs a Protocol.
func NewProtocol(tokens *token.Service, ledger Ledger, tenants tenant.Provider, sink audit.Sink, opts ...ProtocolOption) *Protocol {
	if sink == nil {
		sink = audit.NopSink{}
	}
	p := &Protocol{
		tokens:  tokens,
		ledger:  ledger,
		tenants: tenants,
		sink:    sink,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rotate consumes refreshToken and issues a fresh pair.
//
// tenantID is optional; when supplied it must match the token's tenant claim.
// Failures before MarkUsed leave the ledger untouched. A reuse hit revokes
// the subject's outstanding refresh tokens and emits the security audit
// event before the error is returned.
func (p *Protocol) Rotate(ctx context.Context, refreshToken, tenantID, sourceIP string) (Pair, error) {
	claims, err := p.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return Pair{}, err
	}

	if tenantID != "" && tenantID != claims.TenantID {
		return Pair{}, ErrTenantMismatch
	}

	subject := claims.Subject
	tenantOfToken := claims.TenantID

	watermark, err := p.ledger.Watermark(ctx, subject, tenantOfToken)
	if err != nil {
		return Pair{}, fmt.Errorf("rotation: read watermark: %w", err)
	}
	if !watermark.IsZero() && claims.IssuedAt.Time.Before(watermark) {
		return Pair{}, ErrRevoked
	}

	// The policy is loaded before the token is consumed. A store failure at
	// this point must leave the jti unburned so the client can retry without
	// tripping theft detection.
	pol, err := p.tenants.Get(ctx, tenantOfToken)
	if err != nil {
		return Pair{}, fmt.Errorf("rotation: load tenant policy: %w", err)
	}

	now := p.now().UTC()
	first, err := p.ledger.MarkUsed(ctx, UsedToken{
		JTI:      claims.ID,
		Subject:  subject,
		TenantID: tenantOfToken,
		SourceIP: sourceIP,
		UsedAt:   now,
	})
	if err != nil {
		return Pair{}, fmt.Errorf("rotation: mark used: %w", err)
	}
	if !first {
		// Theft detection: a replayed token invalidates the legitimate
		// session too. Revocation and audit are committed before the error
		// is returned.
		if err := p.ledger.RevokeAllSince(ctx, subject, tenantOfToken, now); err != nil {
			return Pair{}, fmt.Errorf("rotation: revoke after reuse: %w", err)
		}
		obs.CountTokenReuse()
		p.sink.Emit(ctx, audit.Event{
			Kind:     audit.EventTokenReuse,
			TenantID: tenantOfToken,
			Subject:  subject,
			SourceIP: sourceIP,
			Fields:   map[string]any{"jti": claims.ID},
		})
		return Pair{}, ErrTokenReused
	}

	principal := identity.Principal{Email: subject, TenantID: tenantOfToken}
	if p.profiles != nil {
		if resolved, err := p.profiles.Resolve(ctx, subject, tenantOfToken); err == nil {
			principal = resolved
			principal.Email = subject
			principal.TenantID = tenantOfToken
		}
	}

	pair, err := p.mint(principal, pol.RefreshTTLDays)
	if err != nil {
		return Pair{}, err
	}

	p.sink.Emit(ctx, audit.Event{
		Kind:     audit.EventTokenRefresh,
		TenantID: tenantOfToken,
		Subject:  subject,
		SourceIP: sourceIP,
		Fields:   map[string]any{"rotated_jti": claims.ID},
	})
	return pair, nil
}

// IssuePair mints a fresh access/refresh pair for an admitted principal. Used
// by the login boundary; rotation reuses it internally.
func (p *Protocol) IssuePair(principal identity.Principal, refreshTTLDays int) (Pair, error) {
	return p.mint(principal, refreshTTLDays)
}

func (p *Protocol) mint(principal identity.Principal, refreshTTLDays int) (Pair, error) {
	access, accessExp, err := p.tokens.IssueAccess(principal)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := p.tokens.IssueRefresh(principal, refreshTTLDays)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}
