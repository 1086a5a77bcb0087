package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS leader_lease (
	name TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	renewed_at TIMESTAMPTZ NOT NULL,
	fencing BIGINT NOT NULL DEFAULT 1
)`

// PGStore keeps the lease in Postgres for instances spread across hosts.
// Timestamps come from the caller's clock, so hosts must keep NTP-level sync
// well inside the lease TTL.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPGStore connects and ensures the lease table exists.
func OpenPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect lease store: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create lease table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) Close() { s.pool.Close() }

func scanLease(row pgx.Row, name string) (Lease, error) {
	l := Lease{Name: name}
	err := row.Scan(&l.InstanceID, &l.ExpiresAt, &l.RenewedAt, &l.Fencing)
	return l, err
}

func (s *PGStore) Acquire(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO leader_lease (name, instance_id, expires_at, renewed_at, fencing)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (name) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			expires_at = EXCLUDED.expires_at,
			renewed_at = EXCLUDED.renewed_at,
			fencing = CASE WHEN leader_lease.instance_id = EXCLUDED.instance_id
				THEN leader_lease.fencing ELSE leader_lease.fencing + 1 END
		WHERE leader_lease.expires_at <= $4 OR leader_lease.instance_id = EXCLUDED.instance_id
		RETURNING instance_id, expires_at, renewed_at, fencing
	`, name, instanceID, now.Add(ttl), now)
	l, err := scanLease(row, name)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, _, gerr := s.Get(ctx, name)
		return cur, false, gerr
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	return l, true, nil
}

func (s *PGStore) Renew(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE leader_lease SET expires_at = $1, renewed_at = $2
		WHERE name = $3 AND instance_id = $4 AND expires_at > $2
		RETURNING instance_id, expires_at, renewed_at, fencing
	`, now.Add(ttl), now, name, instanceID)
	l, err := scanLease(row, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("renew lease: %w", err)
	}
	return l, true, nil
}

func (s *PGStore) Release(ctx context.Context, name, instanceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM leader_lease WHERE name = $1 AND instance_id = $2`, name, instanceID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, name string) (Lease, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT instance_id, expires_at, renewed_at, fencing FROM leader_lease WHERE name = $1
	`, name)
	l, err := scanLease(row, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("query lease: %w", err)
	}
	return l, true, nil
}
