// Package rotation implements refresh-token rotation with reuse detection.
// Refresh tokens are self-contained signed credentials, so the ledger only
// tracks consumed token ids and per-subject revocation watermarks.
package rotation

import (
	"context"
	"time"
)

// GracePeriod is added to the refresh lifetime before used-token records are
// eligible for purging.
const GracePeriod = 24 * time.Hour

// UsedToken records a consumed refresh-token id.
type UsedToken struct {
	JTI      string
	Subject  string
	TenantID string
	SourceIP string
	UsedAt   time.Time
}

// Ledger is the durable/ephemeral record of consumed refresh-token ids.
//
// MarkUsed must be an atomic insert-if-absent on the jti: under concurrent
// calls with the same jti, exactly one caller observes first use. Stores that
// provide only eventual consistency cannot satisfy this and must not be used;
// the in-memory implementation is valid for single-instance deployment only.
type Ledger interface {
	// IsUsed reports whether jti has been consumed.
	IsUsed(ctx context.Context, jti string) (bool, error)
	// MarkUsed consumes jti. It returns true when this call performed the
	// first use and false when the jti was already consumed.
	MarkUsed(ctx context.Context, rec UsedToken) (bool, error)
	// RevokeAllSince installs a valid-not-before watermark for the subject
	// within a tenant. Refresh tokens issued before the watermark are
	// rejected by the protocol.
	RevokeAllSince(ctx context.Context, subject, tenantID string, watermark time.Time) error
	// Watermark returns the current valid-not-before watermark for the
	// subject, or the zero time when none is set.
	Watermark(ctx context.Context, subject, tenantID string) (time.Time, error)
	// Sweep purges used-token records older than maxAge and returns how many
	// were removed.
	Sweep(ctx context.Context, now time.Time, maxAge time.Duration) (int, error)
}
