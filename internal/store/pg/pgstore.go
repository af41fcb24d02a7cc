// Package pg provides the PostgreSQL-backed rotation ledger and tenant policy
// store used in shared deployments.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"relaygate.org/internal/rotation"
	"relaygate.org/internal/tenant"
)

type Store struct {
	db *sql.DB
}

var (
	_ rotation.Ledger = (*Store)(nil)
	_ tenant.Provider = (*Store)(nil)
	_ tenant.Writer   = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Used by tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// IsUsed implements rotation.Ledger.
func (s *Store) IsUsed(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from used_tokens where jti=$1`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkUsed implements rotation.Ledger. The unique jti constraint with
// on conflict do nothing makes the insert an atomic check-and-set: exactly
// one concurrent caller gets rows affected = 1.
func (s *Store) MarkUsed(ctx context.Context, rec rotation.UsedToken) (bool, error) {
	usedAt := rec.UsedAt
	if usedAt.IsZero() {
		usedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		insert into used_tokens(jti, subject, tenant_id, source_ip, used_at)
		values ($1,$2,$3,nullif($4,''),$5)
		on conflict (jti) do nothing
	`, rec.JTI, rec.Subject, rec.TenantID, rec.SourceIP, usedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeAllSince implements rotation.Ledger. greatest() keeps the watermark
// from moving backwards under concurrent revocations.
func (s *Store) RevokeAllSince(ctx context.Context, subject, tenantID string, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into revocation_watermarks(subject, tenant_id, valid_not_before)
		values ($1,$2,$3)
		on conflict (subject, tenant_id) do update
		set valid_not_before = greatest(revocation_watermarks.valid_not_before, excluded.valid_not_before)
	`, subject, tenantID, watermark)
	return err
}

// Watermark implements rotation.Ledger.
func (s *Store) Watermark(ctx context.Context, subject, tenantID string) (time.Time, error) {
	var wm time.Time
	err := s.db.QueryRowContext(ctx, `
		select valid_not_before from revocation_watermarks
		where subject=$1 and tenant_id=$2
	`, subject, tenantID).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return wm, nil
}

// Sweep implements rotation.Ledger.
func (s *Store) Sweep(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from used_tokens where used_at < $1`, now.Add(-maxAge))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Get implements tenant.Provider. Policies are stored as JSON documents and
// fully validated on the way out.
func (s *Store) Get(ctx context.Context, tenantID string) (tenant.Policy, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `select policy from tenants where id=$1`, tenantID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Policy{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Policy{}, err
	}
	return tenant.ParsePolicy(doc)
}

// PutTenant validates and upserts a tenant policy document. Callers holding a
// tenant.Cache must invalidate it after a successful write.
func (s *Store) PutTenant(ctx context.Context, pol tenant.Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into tenants(id, policy, updated_at)
		values ($1,$2,now())
		on conflict (id) do update
		set policy = excluded.policy, updated_at = now()
	`, pol.ID, doc)
	return err
}
