// Package ledger maps signal fingerprints to the decision they produced so a
// redelivered signal short-circuits to the recorded outcome.
package ledger

import (
	"context"
	"errors"
	"time"

	"execution-core/internal/model"
)

// ErrClosed is returned by operations on a closed ledger.
var ErrClosed = errors.New("ledger closed")

// Record is one remembered fingerprint.
type Record struct {
	Fingerprint string         `json:"fingerprint"`
	Decision    model.Decision `json:"decision"`
	RecordedAt  time.Time      `json:"recorded_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Expired reports whether the record no longer counts at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Ledger is a key-value store with TTL eviction. Record is an atomic
// put-if-absent: when a live record exists it is returned untouched with
// created=false.
type Ledger interface {
	Lookup(ctx context.Context, fingerprint string, now time.Time) (Record, bool, error)
	Record(ctx context.Context, rec Record, now time.Time) (existing Record, created bool, err error)
	Purge(ctx context.Context, now time.Time) (int, error)
	Close() error
}
