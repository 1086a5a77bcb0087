package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// keys: fp:<fingerprint>
const keyPrefix = "fp:"

func fpKey(fingerprint string) []byte { return []byte(keyPrefix + fingerprint) }

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleLedger persists records in a local pebble store. The TTL lives in the
// value; expired records read as absent until Purge deletes them. Put-if-absent
// is serialized by a process mutex, so one store must back one process.
type PebbleLedger struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

func OpenPebble(path string) (*PebbleLedger, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &PebbleLedger{db: db}, nil
}

func (p *PebbleLedger) getLocked(fingerprint string) (Record, bool, error) {
	val, closer, err := p.db.Get(fpKey(fingerprint))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger get: %w", err)
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("ledger decode %s: %w", fingerprint, err)
	}
	return rec, true, nil
}

func (p *PebbleLedger) Lookup(ctx context.Context, fingerprint string, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok, err := p.getLocked(fingerprint)
	if err != nil || !ok || rec.Expired(now) {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (p *PebbleLedger) Record(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Record{}, false, ErrClosed
	}
	cur, ok, err := p.getLocked(rec.Fingerprint)
	if err != nil {
		return Record{}, false, err
	}
	if ok && !cur.Expired(now) {
		return cur, false, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger encode: %w", err)
	}
	if err := p.db.Set(fpKey(rec.Fingerprint), data, pebble.Sync); err != nil {
		return Record{}, false, fmt.Errorf("ledger set: %w", err)
	}
	return rec, true, nil
}

// Purge deletes expired records in one batch.
func (p *PebbleLedger) Purge(ctx context.Context, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	prefix := []byte(keyPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("ledger iter: %w", err)
	}
	batch := p.db.NewBatch()
	defer batch.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return 0, err
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Expired(now) {
			key := append([]byte(nil), iter.Key()...)
			if err := batch.Delete(key, nil); err != nil {
				iter.Close()
				return 0, err
			}
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("ledger iter: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("ledger purge: %w", err)
	}
	return n, nil
}

func (p *PebbleLedger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

var (
	_ Ledger = (*PebbleLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
