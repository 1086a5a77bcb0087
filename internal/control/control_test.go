package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/model"
	"execution-core/internal/oco"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
	"execution-core/pkg/clock"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

type fixture struct {
	db     *db.Database
	paper  *broker.Paper
	pos    *state.Manager
	risk   *risk.Tracker
	groups *oco.Manager
	reg    *config.Registry
	ctl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clk := clock.NewManual(time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC))
	paper := broker.NewPaper(1024, clk.Now)
	for _, sym := range []string{"NIFTY", "BANKNIFTY", "FINNIFTY"} {
		paper.SetMark(sym, 100)
	}

	snap := config.DefaultSnapshot()
	snap.KillSwitch.Budget = 2 * time.Second
	reg := config.NewRegistry(snap)

	pos := state.NewManager(database, cache.NewMarkCache())
	caps := risk.CapsFrom(snap.Risk)
	tracker := risk.NewTracker(database, func() risk.Caps { return caps }, pos.Unrealized, nil)
	rec := audit.NewRecorder(database, events.NewBus(), audit.Options{InstanceID: "test", Clock: clk})
	groups := oco.NewManager(oco.Deps{
		DB:        database,
		Broker:    paper,
		Positions: pos,
		Risk:      tracker,
		Audit:     rec,
		Clock:     clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	disp := order.NewDispatcher(4, 64, func(ctx context.Context, ev broker.Event) error {
		_, err := groups.OnEvent(ctx, ev)
		return err
	}, nil)
	done := make(chan struct{})
	go func() {
		disp.Run(ctx, paper.Events())
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ctl := New(Deps{
		Groups:       groups,
		Positions:    pos,
		Registry:     reg,
		Audit:        rec,
		Clock:        clk,
		ConfirmToken: "I-UNDERSTAND",
	})
	return &fixture{db: database, paper: paper, pos: pos, risk: tracker, groups: groups, reg: reg, ctl: ctl}
}

// open creates a long group and waits for its protective legs.
func (f *fixture) open(t *testing.T, symbol string) oco.Group {
	t.Helper()
	fp := "fp-" + symbol
	dec := model.Decision{
		DecisionID:  model.DeriveID(fp, "DECISION"),
		Fingerprint: fp,
		Symbol:      symbol,
		Side:        model.SideLong,
		Outcome:     model.OutcomeApproved,
		Sizing:      model.Sizing{Qty: 10, EntryPrice: 100, StopPrice: 98, TargetPrice: 104, StopDistance: 2, RiskAmount: 20},
		GroupID:     model.DeriveID(fp, "GROUP"),
	}
	f.risk.Restore(dec.GroupID, dec.Symbol, dec.Sizing.RiskAmount)
	g, err := f.groups.Create(context.Background(), dec)
	if err != nil {
		t.Fatalf("create %s: %v", symbol, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur, ok := f.groups.Group(g.GroupID); ok && cur.State == oco.StateChildrenActive {
			return cur
		}
		time.Sleep(5 * time.Millisecond)
	}
	cur, _ := f.groups.Group(g.GroupID)
	t.Fatalf("group %s stuck in %s", symbol, cur.State)
	return oco.Group{}
}

func (f *fixture) auditCount(t *testing.T, kind audit.Kind) int {
	t.Helper()
	n, err := f.db.CountAudit(context.Background(), string(kind))
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func TestFlattenClosesEveryGroup(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for _, sym := range []string{"NIFTY", "BANKNIFTY", "FINNIFTY"} {
		ids = append(ids, f.open(t, sym).GroupID)
	}
	if len(f.pos.Open()) != 3 {
		t.Fatalf("positions before flatten=%d", len(f.pos.Open()))
	}

	res, err := f.ctl.Flatten(context.Background(), "operator")
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if res.Status != FlattenSuccess || res.Requested != 3 || len(res.Open) != 0 {
		t.Fatalf("result=%+v", res)
	}
	for _, id := range ids {
		g, _ := f.groups.Group(id)
		if g.State != oco.StateFlattened {
			t.Fatalf("group %s state=%s", id, g.State)
		}
		if len(g.Exits) != 1 {
			t.Fatalf("group %s exits=%d", id, len(g.Exits))
		}
	}
	if open := f.pos.Open(); len(open) != 0 {
		t.Fatalf("residual positions=%+v", open)
	}
	if got := f.auditCount(t, audit.KindFlatten); got != 1 {
		t.Fatalf("flatten audits=%d", got)
	}

	if f.ctl.EntriesAllowed() {
		t.Fatalf("entries open after flatten")
	}
	st, err := f.ctl.Resume(context.Background())
	if err != nil || !st.EntriesAllowed || st.LastFlatten == nil || st.LastFlatten.ID != res.ID {
		t.Fatalf("status after resume=%+v err=%v", st, err)
	}
}

func TestFlattenWithNothingOpen(t *testing.T) {
	f := newFixture(t)
	res, err := f.ctl.Flatten(context.Background(), "")
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if res.Status != FlattenSuccess || res.Requested != 0 || res.Reason != "operator" {
		t.Fatalf("result=%+v", res)
	}
}

func TestConcurrentFlattenSharesOneRun(t *testing.T) {
	f := newFixture(t)
	f.open(t, "NIFTY")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.paper.SetCancelHook(func(ctx context.Context, id string) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	results := make([]FlattenResult, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.ctl.Flatten(context.Background(), "first")
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = f.ctl.Flatten(context.Background(), "second")
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if results[0].ID == "" || results[0].ID != results[1].ID {
		t.Fatalf("runs not shared: %s vs %s", results[0].ID, results[1].ID)
	}
	if results[0].Status != FlattenSuccess {
		t.Fatalf("status=%s errors=%v", results[0].Status, results[0].Errors)
	}
	if got := f.auditCount(t, audit.KindFlatten); got != 1 {
		t.Fatalf("flatten audits=%d", got)
	}
}

func TestResumeRefusedWhileFlattening(t *testing.T) {
	f := newFixture(t)
	f.open(t, "NIFTY")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.paper.SetCancelHook(func(ctx context.Context, id string) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	done := make(chan FlattenResult, 1)
	go func() {
		res, _ := f.ctl.Flatten(context.Background(), "operator")
		done <- res
	}()
	<-entered

	if _, err := f.ctl.Resume(context.Background()); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("resume mid-flatten err=%v", err)
	}
	if f.ctl.EntriesAllowed() {
		t.Fatalf("entries open mid-flatten")
	}
	close(release)
	if res := <-done; res.Status != FlattenSuccess {
		t.Fatalf("status=%s errors=%v", res.Status, res.Errors)
	}
	if f.ctl.EntriesAllowed() {
		t.Fatalf("entries open after flatten without resume")
	}
	if _, err := f.ctl.Resume(context.Background()); err != nil {
		t.Fatalf("resume after flatten: %v", err)
	}
	if !f.ctl.EntriesAllowed() {
		t.Fatalf("entries closed after resume")
	}
}

func TestFlattenBudgetExceededEscalates(t *testing.T) {
	f := newFixture(t)
	f.open(t, "NIFTY")
	snap := *f.reg.Current()
	snap.KillSwitch.Budget = 100 * time.Millisecond
	if err := f.reg.Apply(&snap); err != nil {
		t.Fatalf("apply: %v", err)
	}
	f.paper.SetCancelHook(func(ctx context.Context, id string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	res, err := f.ctl.Flatten(context.Background(), "operator")
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if res.Status != FlattenFailed || !res.Escalated || len(res.Open) != 1 {
		t.Fatalf("result=%+v", res)
	}
	if res.IncidentID == "" {
		t.Fatalf("no incident recorded")
	}
	alerts := f.ctl.Alerts()
	if len(alerts) != 1 || !alerts[0].Blocking || alerts[0].Kind != "flatten_budget_exceeded" {
		t.Fatalf("alerts=%+v", alerts)
	}
	if f.ctl.EntriesAllowed() {
		t.Fatalf("entries open with a blocking alert")
	}
}

func TestSetModeRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctl.SetMode(ctx, ModeLive, "wrong"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("wrong token err=%v", err)
	}
	if f.ctl.Mode() != ModePaper {
		t.Fatalf("mode=%s", f.ctl.Mode())
	}
	st, err := f.ctl.SetMode(ctx, ModeLive, "I-UNDERSTAND")
	if err != nil {
		t.Fatalf("go live: %v", err)
	}
	if st.Mode != ModeLive || st.FrozenVersion != "default" {
		t.Fatalf("status=%+v", st)
	}
	if got := f.auditCount(t, audit.KindMode); got != 2 {
		t.Fatalf("mode audits=%d", got)
	}
}

func TestConfigFrozenWhileLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	next := config.DefaultSnapshot()
	next.Version = "v2"

	if _, err := f.ctl.SetMode(ctx, ModeLive, "I-UNDERSTAND"); err != nil {
		t.Fatalf("go live: %v", err)
	}
	if err := f.ctl.ApplyConfig(ctx, next); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("apply while live err=%v", err)
	}
	if v := f.reg.Current().Version; v != "default" {
		t.Fatalf("version=%s", v)
	}

	if _, err := f.ctl.SetMode(ctx, ModePaper, ""); err != nil {
		t.Fatalf("back to paper: %v", err)
	}
	if err := f.ctl.ApplyConfig(ctx, next); err != nil {
		t.Fatalf("apply in paper: %v", err)
	}
	if v := f.reg.Current().Version; v != "v2" {
		t.Fatalf("version=%s", v)
	}
}

func TestLeavingLiveNeedsFlatBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ctl.SetMode(ctx, ModeLive, "I-UNDERSTAND"); err != nil {
		t.Fatalf("go live: %v", err)
	}
	f.open(t, "NIFTY")

	if _, err := f.ctl.SetMode(ctx, ModePaper, ""); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("leave live err=%v", err)
	}
	if _, err := f.ctl.Flatten(ctx, "end of day"); err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if _, err := f.ctl.SetMode(ctx, ModePaper, ""); err != nil {
		t.Fatalf("leave live after flatten: %v", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"paper", ModePaper, true},
		{" LIVE ", ModeLive, true},
		{"demo", "", false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseMode(%q)=%s,%v", tt.in, got, err)
		}
	}
}
