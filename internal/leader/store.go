package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"execution-core/pkg/db"
)

// Lease is the stored lease row.
type Lease struct {
	Name       string
	InstanceID string
	ExpiresAt  time.Time
	RenewedAt  time.Time
	Fencing    int64
}

// Store persists the lease with compare-and-set semantics: Acquire succeeds
// only when the lease is absent, expired or already held by instanceID.
type Store interface {
	Acquire(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, instanceID string) error
	Get(ctx context.Context, name string) (Lease, bool, error)
}

// SQLStore keeps the lease in the engine's SQLite database. Suitable when
// every instance shares one host.
type SQLStore struct {
	db *db.Database
}

func NewSQLStore(database *db.Database) *SQLStore {
	return &SQLStore{db: database}
}

func fromRow(r db.LeaseRow) Lease {
	return Lease{Name: r.Name, InstanceID: r.InstanceID, ExpiresAt: r.ExpiresAt, RenewedAt: r.RenewedAt, Fencing: r.Fencing}
}

func (s *SQLStore) Acquire(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	row, ok, err := s.db.AcquireLease(ctx, name, instanceID, now, ttl)
	return fromRow(row), ok, err
}

func (s *SQLStore) Renew(ctx context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	row, ok, err := s.db.RenewLease(ctx, name, instanceID, now, ttl)
	return fromRow(row), ok, err
}

func (s *SQLStore) Release(ctx context.Context, name, instanceID string) error {
	return s.db.ReleaseLease(ctx, name, instanceID)
}

func (s *SQLStore) Get(ctx context.Context, name string) (Lease, bool, error) {
	row, err := s.db.GetLease(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return fromRow(row), true, nil
}

// MemoryStore is a process-local store for tests and single-process runs.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]Lease)}
}

func (m *MemoryStore) Acquire(_ context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[name]
	if ok && cur.InstanceID != instanceID && now.Before(cur.ExpiresAt) {
		return cur, false, nil
	}
	fencing := int64(1)
	if ok {
		fencing = cur.Fencing
		if cur.InstanceID != instanceID {
			fencing++
		}
	}
	l := Lease{Name: name, InstanceID: instanceID, ExpiresAt: now.Add(ttl), RenewedAt: now, Fencing: fencing}
	m.leases[name] = l
	return l, true, nil
}

func (m *MemoryStore) Renew(_ context.Context, name, instanceID string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[name]
	if !ok || cur.InstanceID != instanceID || !now.Before(cur.ExpiresAt) {
		return Lease{}, false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	cur.RenewedAt = now
	m.leases[name] = cur
	return cur, true, nil
}

func (m *MemoryStore) Release(_ context.Context, name, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.InstanceID == instanceID {
		delete(m.leases, name)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	return l, ok, nil
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PGStore)(nil)
)
