package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LeaseRow is the single-row leader lease for a given name.
type LeaseRow struct {
	Name       string
	InstanceID string
	ExpiresAt  time.Time
	RenewedAt  time.Time
	Fencing    int64
}

// AcquireLease takes the lease if it is absent, expired, or already ours.
// The conditional upsert makes the check and the write one atomic statement.
func (d *Database) AcquireLease(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (LeaseRow, bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO leader_lease (name, instance_id, expires_at, renewed_at, fencing)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(name) DO UPDATE SET
			instance_id = excluded.instance_id,
			expires_at = excluded.expires_at,
			renewed_at = excluded.renewed_at,
			fencing = CASE WHEN leader_lease.instance_id = excluded.instance_id
				THEN leader_lease.fencing ELSE leader_lease.fencing + 1 END
		WHERE leader_lease.expires_at <= ? OR leader_lease.instance_id = excluded.instance_id
	`, name, instanceID, now.Add(ttl).UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return LeaseRow{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LeaseRow{}, false, fmt.Errorf("acquire lease rows: %w", err)
	}
	row, err := d.GetLease(ctx, name)
	if err != nil {
		return LeaseRow{}, false, err
	}
	return row, n > 0 && row.InstanceID == instanceID, nil
}

// RenewLease extends a lease that is still valid and still ours.
func (d *Database) RenewLease(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (LeaseRow, bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE leader_lease SET expires_at = ?, renewed_at = ?
		WHERE name = ? AND instance_id = ? AND expires_at > ?
	`, now.Add(ttl).UnixNano(), now.UnixNano(), name, instanceID, now.UnixNano())
	if err != nil {
		return LeaseRow{}, false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LeaseRow{}, false, fmt.Errorf("renew lease rows: %w", err)
	}
	if n == 0 {
		return LeaseRow{}, false, nil
	}
	row, err := d.GetLease(ctx, name)
	return row, err == nil, err
}

// ReleaseLease drops the lease only if instanceID holds it.
func (d *Database) ReleaseLease(ctx context.Context, name, instanceID string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM leader_lease WHERE name = ? AND instance_id = ?`, name, instanceID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (d *Database) GetLease(ctx context.Context, name string) (LeaseRow, error) {
	var (
		r                LeaseRow
		expires, renewed int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT name, instance_id, expires_at, renewed_at, fencing FROM leader_lease WHERE name = ?
	`, name).Scan(&r.Name, &r.InstanceID, &expires, &renewed, &r.Fencing)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("query lease: %w", err)
	}
	r.ExpiresAt = time.Unix(0, expires).UTC()
	r.RenewedAt = time.Unix(0, renewed).UTC()
	return r, nil
}
