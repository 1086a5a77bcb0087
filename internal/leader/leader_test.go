package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"execution-core/internal/model"
	"execution-core/pkg/clock"
	"execution-core/pkg/db"
)

func sqlStore(t *testing.T) *SQLStore {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	return NewSQLStore(database)
}

func TestAtMostOneLeader(t *testing.T) {
	stores := map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlStore(t)}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewManual(time.Unix(1_700_000_000, 0))
			const n = 12
			coords := make([]*Coordinator, n)
			for i := range coords {
				coords[i] = New(store, Options{InstanceID: fmt.Sprintf("inst-%d", i), TTL: 10 * time.Second, Clock: clk})
			}

			for round := 0; round < 5; round++ {
				var wg sync.WaitGroup
				for _, c := range coords {
					wg.Add(1)
					go func(c *Coordinator) {
						defer wg.Done()
						c.Step(context.Background())
					}(c)
				}
				wg.Wait()

				leaders := 0
				for _, c := range coords {
					if c.IsLeader() {
						leaders++
					}
				}
				if leaders != 1 {
					t.Fatalf("round %d: %d leaders", round, leaders)
				}
				// Let every lease lapse so the next round is a fresh contest.
				clk.Advance(11 * time.Second)
				for _, c := range coords {
					if c.IsLeader() {
						t.Fatalf("round %d: %s still leader after expiry", round, c.InstanceID())
					}
				}
			}
		})
	}
}

// Scenario: TTL 10s, the holder stops renewing and flips at expiry on its own.
func TestLeaseLapsesWithoutRenew(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManual(start)
	store := NewMemoryStore()
	c := New(store, Options{InstanceID: "a", TTL: 10 * time.Second, Clock: clk})

	var mu sync.Mutex
	var changes []bool
	c.OnChange(func(held bool, _ model.LeaseState, _ error) {
		mu.Lock()
		changes = append(changes, held)
		mu.Unlock()
	})

	clk.Advance(time.Second)
	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	clk.Set(start.Add(10*time.Second + 900*time.Millisecond))
	if !c.IsLeader() {
		t.Fatalf("should still lead before expiry")
	}
	clk.Set(start.Add(11 * time.Second))
	if c.IsLeader() {
		t.Fatalf("IsLeader must flip at expires_at")
	}
	if c.State().Valid(start.Add(11100 * time.Millisecond)) {
		t.Fatalf("lease state must be invalid for a call at 11.1s")
	}

	if _, err := c.Renew(context.Background()); !errors.Is(err, ErrExpired) || !errors.Is(err, model.ErrLeadershipLost) {
		t.Fatalf("Renew after lapse: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("changes=%v", changes)
	}
}

func TestStandbyTakesOverAfterExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := sqlStore(t)
	a := New(store, Options{InstanceID: "a", TTL: 10 * time.Second, Clock: clk})
	b := New(store, Options{InstanceID: "b", TTL: 10 * time.Second, Clock: clk})
	ctx := context.Background()

	first, err := a.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire(ctx); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}

	clk.Advance(5 * time.Second)
	if _, err := a.Renew(ctx); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	clk.Advance(10 * time.Second)
	second, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("standby acquire after expiry: %v", err)
	}
	if second.Fencing <= first.Fencing {
		t.Fatalf("fencing must increase on takeover: %d -> %d", first.Fencing, second.Fencing)
	}
	if _, err := a.Renew(ctx); !errors.Is(err, ErrExpired) {
		t.Fatalf("old holder renew: %v", err)
	}
	if a.IsLeader() || !b.IsLeader() {
		t.Fatalf("a=%v b=%v", a.IsLeader(), b.IsLeader())
	}
}

func TestReleaseHandsOver(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := NewMemoryStore()
	a := New(store, Options{InstanceID: "a", TTL: 10 * time.Second, Clock: clk})
	b := New(store, Options{InstanceID: "b", TTL: 10 * time.Second, Clock: clk})
	ctx := context.Background()

	a.Acquire(ctx)
	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if a.IsLeader() {
		t.Fatalf("released holder still leader")
	}
	if _, err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
