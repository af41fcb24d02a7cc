package rotation

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger implements Ledger with an in-process map. Valid for
// single-instance deployment only; shared deployments need the pg-backed
// ledger.
type MemoryLedger struct {
	mu         sync.Mutex
	used       map[string]UsedToken
	watermarks map[string]time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		used:       make(map[string]UsedToken),
		watermarks: make(map[string]time.Time),
	}
}

func watermarkKey(subject, tenantID string) string {
	return subject + "\x00" + tenantID
}

// IsUsed implements Ledger.
func (l *MemoryLedger) IsUsed(_ context.Context, jti string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.used[jti]
	return ok, nil
}

// MarkUsed implements Ledger. The map insert under the mutex is the atomic
// insert-if-absent.
func (l *MemoryLedger) MarkUsed(_ context.Context, rec UsedToken) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.used[rec.JTI]; ok {
		return false, nil
	}
	if rec.UsedAt.IsZero() {
		rec.UsedAt = time.Now().UTC()
	}
	l.used[rec.JTI] = rec
	return true, nil
}

// RevokeAllSince implements Ledger. The watermark never moves backwards.
func (l *MemoryLedger) RevokeAllSince(_ context.Context, subject, tenantID string, watermark time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := watermarkKey(subject, tenantID)
	if existing, ok := l.watermarks[key]; ok && existing.After(watermark) {
		return nil
	}
	l.watermarks[key] = watermark
	return nil
}

// Watermark implements Ledger.
func (l *MemoryLedger) Watermark(_ context.Context, subject, tenantID string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watermarks[watermarkKey(subject, tenantID)], nil
}

// Sweep implements Ledger.
func (l *MemoryLedger) Sweep(_ context.Context, now time.Time, maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-maxAge)
	removed := 0
	for jti, rec := range l.used {
		if rec.UsedAt.Before(cutoff) {
			delete(l.used, jti)
			removed++
		}
	}
	return removed, nil
}
