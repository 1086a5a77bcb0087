package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution-core/internal/leader"
	"execution-core/internal/ledger"
	"execution-core/internal/model"
	"execution-core/internal/oco"
	"execution-core/pkg/clock"
	"execution-core/pkg/config"
)

var t0 = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		InstanceID:            "node-a",
		DBPath:                filepath.Join(dir, "execution.db"),
		WALDir:                filepath.Join(dir, "wal"),
		IncidentDir:           filepath.Join(dir, "incidents"),
		LeaseName:             "test",
		LeaseTTL:              10 * time.Second,
		LeaseRenew:            3 * time.Second,
		LeaseTimeout:          time.Second,
		MarketDataStaleAfter:  time.Hour,
		OrderStreamStaleAfter: time.Hour,
		ReconcileInterval:     time.Hour,
		JWTSecret:             "test-secret",
		LiveConfirmToken:      "I-UNDERSTAND",
	}
}

func newEngine(t *testing.T, clk *clock.Manual) *Engine {
	t.Helper()
	e, err := New(context.Background(), Options{
		Config:     testConfig(t),
		Snapshot:   config.DefaultSnapshot(),
		LeaseStore: leader.NewMemoryStore(),
		Ledger:     ledger.NewMemory(),
		Clock:      clk,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func run(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func groupState(e *Engine, id string) oco.State {
	g, _ := e.Groups.Group(id)
	return g.State
}

func signal(id string) model.Signal {
	return model.Signal{
		SignalID:   id,
		StrategyID: "orb",
		Symbol:     "NIFTY",
		Side:       model.SideLong,
		Timestamp:  t0,
		Features:   model.FeatureSnapshot{EntryPrice: 22000, StopPrice: 21960, TargetPrice: 22100},
	}
}

func TestSignalToTargetRoundTrip(t *testing.T) {
	clk := clock.NewManual(t0)
	e := newEngine(t, clk)
	run(t, e)

	e.OnTick("NIFTY", 22000, clk.Now())
	e.Heartbeat.Record("market_data", clk.Now())
	waitFor(t, "leadership and readiness", func() bool { return e.Leader.IsLeader() && e.Heartbeat.IsReady() })

	dec, err := e.Pipeline.Handle(context.Background(), signal("sig-1"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !dec.Approved() {
		t.Fatalf("decision=%+v", dec)
	}
	waitFor(t, "protective legs", func() bool { return groupState(e, dec.GroupID) == oco.StateChildrenActive })
	if heat := e.Risk.Snapshot().OpenRisk; heat <= 0 {
		t.Fatalf("open risk not reserved: %v", heat)
	}

	e.OnTick("NIFTY", 22100, clk.Now())
	waitFor(t, "target fill", func() bool { return groupState(e, dec.GroupID) == oco.StateCompleted })
	waitFor(t, "flat book", func() bool { return len(e.Positions.Open()) == 0 })
	if st := e.Risk.Snapshot(); st.OpenRisk != 0 || st.RealizedPnL <= 0 {
		t.Fatalf("risk after target=%+v", st)
	}
}

func TestSessionDeadlineFlattens(t *testing.T) {
	clk := clock.NewManual(t0)
	e := newEngine(t, clk)
	run(t, e)

	e.OnTick("NIFTY", 22000, clk.Now())
	e.Heartbeat.Record("market_data", clk.Now())
	waitFor(t, "leadership and readiness", func() bool { return e.Leader.IsLeader() && e.Heartbeat.IsReady() })

	dec, err := e.Pipeline.Handle(context.Background(), signal("sig-eod"))
	if err != nil || !dec.Approved() {
		t.Fatalf("decision=%+v err=%v", dec, err)
	}
	waitFor(t, "protective legs", func() bool { return groupState(e, dec.GroupID) == oco.StateChildrenActive })

	cal, err := e.calendar()
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	clk.Set(cal.FlattenTime(t0))
	waitFor(t, "session flatten", func() bool {
		// Each step renews the lease and wakes the session loop.
		clk.Advance(time.Second)
		return groupState(e, dec.GroupID) == oco.StateFlattened
	})
	if len(e.Positions.Open()) != 0 {
		t.Fatalf("positions left after session flatten: %+v", e.Positions.Open())
	}
	st := e.Control.Status()
	if st.LastFlatten == nil || st.LastFlatten.Reason != "session_end" {
		t.Fatalf("last flatten=%+v", st.LastFlatten)
	}
	if st.EntriesAllowed {
		t.Fatalf("entries open after session flatten")
	}
}

func TestNewRejectsUnknownLeaseStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.LeaseStore = "zookeeper"
	_, err := New(context.Background(), Options{Config: cfg, Snapshot: config.DefaultSnapshot(), Ledger: ledger.NewMemory()})
	if err == nil {
		t.Fatalf("expected error for unknown lease store")
	}
}

func TestRetryPolicyFromSnapshot(t *testing.T) {
	p := retryPolicy(config.RetrySection{MaxAttempts: 6, AttemptTimeout: time.Second})
	if p.MaxAttempts != 6 || p.AttemptTimeout != time.Second {
		t.Fatalf("policy=%+v", p)
	}
	if p.BaseDelay <= 0 || p.MaxDelay <= 0 {
		t.Fatalf("defaults dropped: %+v", p)
	}
}
