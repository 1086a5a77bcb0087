package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is the in-process ledger used by tests and single-run setups.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (m *MemoryLedger) Lookup(_ context.Context, fingerprint string, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.records[fingerprint]
	if !ok || rec.Expired(now) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (m *MemoryLedger) Record(_ context.Context, rec Record, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	if cur, ok := m.records[rec.Fingerprint]; ok && !cur.Expired(now) {
		return cur, false, nil
	}
	m.records[rec.Fingerprint] = rec
	return rec, true, nil
}

func (m *MemoryLedger) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for fp, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, fp)
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
