package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/identity"
	"relaygate.org/internal/tenant"
	"relaygate.org/internal/token"
)

func testClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestProtocol(t *testing.T, at time.Time, opts ...ProtocolOption) (*Protocol, *token.Service, *MemoryLedger, *audit.MemorySink) {
	t.Helper()
	tokens, err := token.NewService("test-secret", token.WithClock(testClock(at)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tenants := tenant.NewMemoryProvider()
	if err := tenants.Put(tenant.Policy{
		ID:             "tenant-1",
		Name:           "Tenant One",
		AllowedDomains: []string{"example.com"},
		RefreshTTLDays: 7,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ledger := NewMemoryLedger()
	sink := &audit.MemorySink{}
	opts = append([]ProtocolOption{WithProtocolClock(testClock(at))}, opts...)
	return NewProtocol(tokens, ledger, tenants, sink, opts...), tokens, ledger, sink
}

func issueRefresh(t *testing.T, tokens *token.Service) string {
	t.Helper()
	raw, _, err := tokens.IssueRefresh(identity.Principal{Email: "user@example.com", TenantID: "tenant-1"}, 7)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	return raw
}

func TestRotateIssuesFreshPair(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, _, sink := newTestProtocol(t, at)
	refresh := issueRefresh(t, tokens)

	pair, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens in the pair")
	}
	if pair.RefreshToken == refresh {
		t.Fatal("rotation must mint a new refresh token")
	}
	if got := pair.ExpiresIn(); got != 3600 {
		t.Fatalf("ExpiresIn = %d, want 3600", got)
	}

	claims, err := tokens.Verify(pair.AccessToken, token.TypeAccess)
	if err != nil {
		t.Fatalf("Verify new access: %v", err)
	}
	if claims.Subject != "user@example.com" || claims.TenantID != "tenant-1" {
		t.Fatalf("claims not carried over: %+v", claims)
	}

	events := sink.Events()
	if len(events) != 1 || events[0].Kind != audit.EventTokenRefresh {
		t.Fatalf("expected one token_refresh event, got %+v", events)
	}
}

func TestRotateAtMostOnce(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, _, sink := newTestProtocol(t, at)
	refresh := issueRefresh(t, tokens)

	if _, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9"); err != nil {
		t.Fatalf("first Rotate: %v", err)
	}
	_, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("second Rotate err = %v, want ErrTokenReused", err)
	}

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected refresh + reuse events, got %+v", events)
	}
	if events[1].Kind != audit.EventTokenReuse {
		t.Fatalf("second event = %s, want %s", events[1].Kind, audit.EventTokenReuse)
	}
}

func TestRotateReuseRevokesOutstandingTokens(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, ledger, _ := newTestProtocol(t, at)
	refresh := issueRefresh(t, tokens)

	pair, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Attacker replays the consumed token.
	if _, err := p.Rotate(context.Background(), refresh, "tenant-1", "198.51.100.1"); !errors.Is(err, ErrTokenReused) {
		t.Fatalf("replay err = %v, want ErrTokenReused", err)
	}

	wm, err := ledger.Watermark(context.Background(), "user@example.com", "tenant-1")
	if err != nil || wm.IsZero() {
		t.Fatalf("expected revocation watermark after reuse, got %v %v", wm, err)
	}

	// The legitimate holder's still-unused token from the rotation is now
	// rejected too. Its iat equals the watermark, so advance the clock and
	// present it from a protocol whose tokens were issued strictly before a
	// later watermark.
	if err := ledger.RevokeAllSince(context.Background(), "user@example.com", "tenant-1", at.Add(time.Minute)); err != nil {
		t.Fatalf("RevokeAllSince: %v", err)
	}
	_, err = p.Rotate(context.Background(), pair.RefreshToken, "tenant-1", "203.0.113.9")
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("post-revocation Rotate err = %v, want ErrRevoked", err)
	}
}

func TestRotateExpiredLeavesLedgerUntouched(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokens, err := token.NewService("test-secret", token.WithClock(testClock(at)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	refresh, _, err := tokens.IssueRefresh(identity.Principal{Email: "user@example.com", TenantID: "tenant-1"}, 7)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	claims, err := tokens.Verify(refresh, token.TypeRefresh)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Verify after expiry.
	later := at.Add(7*24*time.Hour + time.Second)
	p, _, ledger, sink := newTestProtocol(t, later)

	_, err = p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
	if !errors.Is(err, token.ErrExpired) {
		t.Fatalf("Rotate err = %v, want ErrExpired", err)
	}
	used, _ := ledger.IsUsed(context.Background(), claims.ID)
	if used {
		t.Fatal("expired token must not be recorded as consumed")
	}
	if got := sink.Events(); len(got) != 0 {
		t.Fatalf("expected no audit events, got %+v", got)
	}
}

func TestRotateTenantMismatch(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, ledger, _ := newTestProtocol(t, at)
	refresh := issueRefresh(t, tokens)

	_, err := p.Rotate(context.Background(), refresh, "other-tenant", "203.0.113.9")
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("Rotate err = %v, want ErrTenantMismatch", err)
	}

	claims, _ := tokens.Verify(refresh, token.TypeRefresh)
	if used, _ := ledger.IsUsed(context.Background(), claims.ID); used {
		t.Fatal("mismatch must not consume the token")
	}

	// Empty tenant id skips the check.
	if _, err := p.Rotate(context.Background(), refresh, "", "203.0.113.9"); err != nil {
		t.Fatalf("Rotate without tenant hint: %v", err)
	}
}

func TestRotateRejectsAccessToken(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, _, _ := newTestProtocol(t, at)

	access, _, err := tokens.IssueAccess(identity.Principal{Email: "user@example.com", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := p.Rotate(context.Background(), access, "tenant-1", ""); !errors.Is(err, token.ErrWrongType) {
		t.Fatalf("Rotate err = %v, want ErrWrongType", err)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, _, _ := newTestProtocol(t, at)
	refresh := issueRefresh(t, tokens)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	winners, reused := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrTokenReused):
			reused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	if reused != callers-1 {
		t.Fatalf("reused = %d, want %d", reused, callers-1)
	}
}

func TestRotateWatermarkRejectsOldTokens(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, tokens, ledger, _ := newTestProtocol(t, at)
	refresh := issueRefresh(t, tokens)

	if err := ledger.RevokeAllSince(context.Background(), "user@example.com", "tenant-1", at.Add(time.Minute)); err != nil {
		t.Fatalf("RevokeAllSince: %v", err)
	}
	_, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("Rotate err = %v, want ErrRevoked", err)
	}

	claims, _ := tokens.Verify(refresh, token.TypeRefresh)
	if used, _ := ledger.IsUsed(context.Background(), claims.ID); used {
		t.Fatal("revoked token must not be recorded as consumed")
	}
}

func TestRotateRefreshesProfileClaims(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	resolver := staticResolver{principal: identity.Principal{
		Email:    "user@example.com",
		TenantID: "tenant-1",
		Name:     "Renamed User",
		Role:     "manager",
	}}
	p, tokens, _, _ := newTestProtocol(t, at, WithProfileResolver(resolver))
	refresh := issueRefresh(t, tokens)

	pair, err := p.Rotate(context.Background(), refresh, "tenant-1", "")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	claims, err := tokens.Verify(pair.AccessToken, token.TypeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Name != "Renamed User" || claims.Role != "manager" {
		t.Fatalf("profile not re-resolved: %+v", claims)
	}
}

func TestRotatePolicyOutageDoesNotConsumeToken(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokens, err := token.NewService("test-secret", token.WithClock(testClock(at)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	mem := tenant.NewMemoryProvider()
	if err := mem.Put(tenant.Policy{
		ID:             "tenant-1",
		Name:           "Tenant One",
		AllowedDomains: []string{"example.com"},
		RefreshTTLDays: 7,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	flaky := &flakyProvider{source: mem, failures: 1}
	ledger := NewMemoryLedger()
	sink := &audit.MemorySink{}
	p := NewProtocol(tokens, ledger, flaky, sink, WithProtocolClock(testClock(at)))
	refresh := issueRefresh(t, tokens)

	_, err = p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9")
	if err == nil {
		t.Fatal("expected an error while the policy store is down")
	}
	if errors.Is(err, ErrTokenReused) || errors.Is(err, ErrRevoked) {
		t.Fatalf("store outage surfaced as a security error: %v", err)
	}
	claims, _ := tokens.Verify(refresh, token.TypeRefresh)
	if used, _ := ledger.IsUsed(context.Background(), claims.ID); used {
		t.Fatal("store outage must not consume the token")
	}
	if got := sink.Events(); len(got) != 0 {
		t.Fatalf("expected no audit events, got %+v", got)
	}

	// Once the store recovers the same token rotates cleanly; the retry is
	// not reuse and nothing gets revoked.
	if _, err := p.Rotate(context.Background(), refresh, "tenant-1", "203.0.113.9"); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	wm, err := ledger.Watermark(context.Background(), "user@example.com", "tenant-1")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.IsZero() {
		t.Fatal("retry after outage must not trip revocation")
	}
}

type flakyProvider struct {
	source   tenant.Provider
	failures int
}

func (f *flakyProvider) Get(ctx context.Context, tenantID string) (tenant.Policy, error) {
	if f.failures > 0 {
		f.failures--
		return tenant.Policy{}, errors.New("transient store outage")
	}
	return f.source.Get(ctx, tenantID)
}

type staticResolver struct {
	principal identity.Principal
}

func (r staticResolver) Resolve(context.Context, string, string) (identity.Principal, error) {
	return r.principal, nil
}
