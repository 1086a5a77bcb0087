package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/internal/model"
)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	p, err := OpenPebble(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return map[string]Ledger{"memory": NewMemory(), "pebble": p}
}

func record(fp, decisionID string, now time.Time, ttl time.Duration) Record {
	return Record{
		Fingerprint: fp,
		Decision:    model.Decision{DecisionID: decisionID, Fingerprint: fp, Outcome: model.OutcomeApproved},
		RecordedAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestRecordIsPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			first, created, err := l.Record(ctx, record("fp", "d1", now, time.Hour), now)
			if err != nil || !created {
				t.Fatalf("first record: created=%v err=%v", created, err)
			}
			got, created, err := l.Record(ctx, record("fp", "d2", now, time.Hour), now)
			if err != nil || created {
				t.Fatalf("second record: created=%v err=%v", created, err)
			}
			if got.Decision.DecisionID != first.Decision.DecisionID {
				t.Fatalf("existing record replaced: %s", got.Decision.DecisionID)
			}
			rec, ok, err := l.Lookup(ctx, "fp", now)
			if err != nil || !ok || rec.Decision.DecisionID != "d1" {
				t.Fatalf("lookup: ok=%v rec=%+v err=%v", ok, rec, err)
			}
		})
	}
}

func TestExpiredRecordsReadAsAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			l.Record(ctx, record("old", "d1", now, time.Minute), now)
			l.Record(ctx, record("new", "d2", now, time.Hour), now)

			later := now.Add(2 * time.Minute)
			if _, ok, _ := l.Lookup(ctx, "old", later); ok {
				t.Fatalf("expired record still visible")
			}
			if _, created, _ := l.Record(ctx, record("old", "d3", later, time.Minute), later); !created {
				t.Fatalf("expired record should be replaceable")
			}
			n, err := l.Purge(ctx, later.Add(2*time.Minute))
			if err != nil {
				t.Fatalf("Purge: %v", err)
			}
			if n != 1 {
				t.Fatalf("purged %d, want 1", n)
			}
			if _, ok, _ := l.Lookup(ctx, "new", later); !ok {
				t.Fatalf("live record purged")
			}
		})
	}
}

func TestConcurrentRecordSingleWinner(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, created, err := l.Record(ctx, record("race", "d", now, time.Hour), now); err == nil && created {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("winners=%d", wins)
			}
		})
	}
}

func TestPebbleLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ledger")
	now := time.Now()

	p, err := OpenPebble(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Record(ctx, record("fp", "d1", now, time.Hour), now); err != nil {
		t.Fatal(err)
	}
	p.Close()

	p, err = OpenPebble(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	rec, ok, err := p.Lookup(ctx, "fp", now)
	if err != nil || !ok || rec.Decision.DecisionID != "d1" {
		t.Fatalf("after reopen: ok=%v rec=%+v err=%v", ok, rec, err)
	}
}
