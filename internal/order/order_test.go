package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/internal/model"
	"execution-core/pkg/broker"
)

func TestApplyDiscardsStaleEvents(t *testing.T) {
	now := time.Now()
	o := New("fp", "g1", RoleStop, "NIFTY", broker.SideSell, broker.OrderTypeStop, 50, now)
	o.Status = StatusSubmitted

	steps := []struct {
		ev     broker.Event
		want   Outcome
		status Status
		delta  float64
	}{
		{broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventAccepted, Seq: 1}, Applied, StatusOpen, 0},
		{broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventFilled, Seq: 3, FilledQty: 50, FillPrice: 99}, Applied, StatusFilled, 50},
		// A cancel ack delivered after the later fill ack.
		{broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventCancelled, Seq: 2}, Stale, StatusFilled, 0},
		{broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventFilled, Seq: 3, FilledQty: 50}, Stale, StatusFilled, 0},
	}
	for i, s := range steps {
		got, delta, err := o.Apply(s.ev, now)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != s.want || o.Status != s.status || delta != s.delta {
			t.Fatalf("step %d: outcome=%v status=%s delta=%v", i, got, o.Status, delta)
		}
	}
	if o.AvgFillPrice != 99 {
		t.Fatalf("avg fill=%v", o.AvgFillPrice)
	}
}

func TestApplyFillAfterCancelIsConflict(t *testing.T) {
	now := time.Now()
	o := New("fp", "g1", RoleTarget, "NIFTY", broker.SideSell, broker.OrderTypeLimit, 10, now)
	if _, _, err := o.Apply(broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventCancelled, Seq: 1}, now); err != nil {
		t.Fatal(err)
	}
	_, delta, err := o.Apply(broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventFilled, Seq: 2, FilledQty: 10}, now)
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if delta != 10 || o.Status != StatusFilled {
		t.Fatalf("venue fill must still be folded: delta=%v status=%s", delta, o.Status)
	}
}

func TestPartialFillDelta(t *testing.T) {
	now := time.Now()
	o := New("fp", "g1", RoleEntry, "NIFTY", broker.SideBuy, broker.OrderTypeMarket, 100, now)
	_, d1, _ := o.Apply(broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventPartial, Seq: 1, FilledQty: 40, FillPrice: 10}, now)
	_, d2, _ := o.Apply(broker.Event{ClientOrderID: o.ClientOrderID, Type: broker.EventFilled, Seq: 2, FilledQty: 100, FillPrice: 10.5}, now)
	if d1 != 40 || d2 != 60 || o.RemainingQty() != 0 {
		t.Fatalf("d1=%v d2=%v remaining=%v", d1, d2, o.RemainingQty())
	}
}

func TestClientOrderIDDeterministic(t *testing.T) {
	now := time.Now()
	a := New("fp", "g", RoleEntry, "X", broker.SideBuy, broker.OrderTypeMarket, 1, now)
	b := New("fp", "g", RoleEntry, "X", broker.SideBuy, broker.OrderTypeMarket, 1, now.Add(time.Hour))
	if a.ClientOrderID != b.ClientOrderID {
		t.Fatalf("client order id must depend only on fingerprint and role")
	}
	if a.Request().ReduceOnly {
		t.Fatalf("entry must not be reduce-only")
	}
	stop := New("fp", "g", RoleStop, "X", broker.SideSell, broker.OrderTypeStop, 1, now)
	if !stop.Request().ReduceOnly {
		t.Fatalf("protective legs must be reduce-only")
	}
}

func TestJournalRecoversIncompleteIntents(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, nil)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	now := time.Now()
	a := New("fp1", "g1", RoleEntry, "NIFTY", broker.SideBuy, broker.OrderTypeMarket, 1, now)
	b := New("fp2", "g2", RoleEntry, "NIFTY", broker.SideBuy, broker.OrderTypeMarket, 1, now)
	if err := j.Intent(a); err != nil {
		t.Fatal(err)
	}
	if err := j.Intent(b); err != nil {
		t.Fatal(err)
	}
	j.Complete(a.ClientOrderID)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenJournal(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	pending := reopened.Pending()
	if len(pending) != 1 || pending[0].ClientOrderID != b.ClientOrderID {
		t.Fatalf("pending=%+v", pending)
	}
	if reopened.Metrics().Recovered != 1 {
		t.Fatalf("metrics=%+v", reopened.Metrics())
	}
}

func TestDispatcherPreservesPerOrderOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string][]int64{}
	)
	d := NewDispatcher(3, 16, func(_ context.Context, ev broker.Event) error {
		mu.Lock()
		seen[ev.ClientOrderID] = append(seen[ev.ClientOrderID], ev.Seq)
		mu.Unlock()
		return nil
	}, nil)

	src := make(chan broker.Event, 64)
	for seq := int64(1); seq <= 10; seq++ {
		for _, id := range []string{"a", "b", "c", "d"} {
			src <- broker.Event{ClientOrderID: id, Seq: seq}
		}
	}
	close(src)
	d.Run(context.Background(), src)

	for id, seqs := range seen {
		if len(seqs) != 10 {
			t.Fatalf("%s saw %d events", id, len(seqs))
		}
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("%s events out of order: %v", id, seqs)
			}
		}
	}
	if handled, _, _ := d.Stats(); handled != 40 {
		t.Fatalf("handled=%d", handled)
	}
}
