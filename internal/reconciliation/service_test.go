package reconciliation

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/audit"
	"execution-core/internal/control"
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

var t0 = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	db    *db.Database
	clock *clock.Manual
	paper *broker.Paper
	risk  *risk.Tracker
	mgr   *oco.Manager
	ctl   *control.Controller
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clk := clock.NewManual(t0)
	paper := broker.NewPaper(1024, clk.Now)
	paper.SetMark("NIFTY", 100)
	pos := state.NewManager(database, cache.NewMarkCache())
	caps := risk.CapsFrom(config.DefaultSnapshot().Risk)
	tracker := risk.NewTracker(database, func() risk.Caps { return caps }, pos.Unrealized, nil)
	rec := audit.NewRecorder(database, events.NewBus(), audit.Options{InstanceID: "test", Clock: clk})
	mgr := oco.NewManager(oco.Deps{DB: database, Broker: paper, Positions: pos, Risk: tracker, Audit: rec, Clock: clk})
	ctl := control.New(control.Deps{Groups: mgr, Positions: pos, Audit: rec, Clock: clk})

	svc := NewService(Deps{
		Groups:    mgr,
		Venue:     paper,
		Positions: pos,
		Audit:     rec,
		Alerts:    ctl,
		Clock:     clk,
		Grace:     func() time.Duration { return 30 * time.Second },
	})
	return &harness{t: t, db: database, clock: clk, paper: paper, risk: tracker, mgr: mgr, ctl: ctl, svc: svc}
}

func (h *harness) pump() {
	for {
		select {
		case ev := <-h.paper.Events():
			if _, err := h.mgr.OnEvent(context.Background(), ev); err != nil {
				h.t.Logf("event %s %s: %v", ev.ClientOrderID, ev.Type, err)
			}
		default:
			return
		}
	}
}

func (h *harness) open(fp string) oco.Group {
	h.t.Helper()
	dec := model.Decision{
		DecisionID:  model.DeriveID(fp, "DECISION"),
		Fingerprint: fp,
		Symbol:      "NIFTY",
		Side:        model.SideLong,
		Outcome:     model.OutcomeApproved,
		Sizing:      model.Sizing{Qty: 50, EntryPrice: 100, StopPrice: 98, TargetPrice: 104, StopDistance: 2, RiskAmount: 100},
		GroupID:     model.DeriveID(fp, "GROUP"),
	}
	h.risk.Restore(dec.GroupID, dec.Symbol, dec.Sizing.RiskAmount)
	g, err := h.mgr.Create(context.Background(), dec)
	if err != nil {
		h.t.Fatalf("create: %v", err)
	}
	h.pump()
	g, _ = h.mgr.Group(g.GroupID)
	return g
}

func (h *harness) scan() *Report {
	h.t.Helper()
	r, err := h.svc.Scan(context.Background())
	if err != nil {
		h.t.Fatalf("scan: %v", err)
	}
	return r
}

func (h *harness) incidents() int {
	h.t.Helper()
	n, err := h.db.CountAudit(context.Background(), string(audit.KindIncident))
	if err != nil {
		h.t.Fatalf("count: %v", err)
	}
	return n
}

func TestCleanBookHasNoFindings(t *testing.T) {
	h := newHarness(t)
	g := h.open("fp-clean")
	if g.State != oco.StateChildrenActive {
		t.Fatalf("state=%s", g.State)
	}
	h.clock.Advance(time.Minute)

	r := h.scan()
	if r.HasFindings() {
		t.Fatalf("findings=%+v", r)
	}
	if h.incidents() != 0 || len(h.ctl.Alerts()) != 0 {
		t.Fatalf("clean sweep escalated")
	}
}

func TestFilledChildWithLiveSiblingIsOrphaned(t *testing.T) {
	h := newHarness(t)
	g := h.open("fp-sibling")
	target := g.Target.ClientOrderID
	h.paper.SetCancelHook(func(ctx context.Context, id string) error {
		if id == target {
			return broker.ErrUnavailable
		}
		return nil
	})

	h.paper.SetMark("NIFTY", 97.5)
	h.pump()
	g, _ = h.mgr.Group(g.GroupID)
	if g.Stop.Status != order.StatusFilled || !g.Target.Status.Live() {
		t.Fatalf("stop=%s target=%s", g.Stop.Status, g.Target.Status)
	}

	// Inside the grace period the sibling cancel may still be in flight.
	if r := h.scan(); len(r.Orphans) != 0 {
		t.Fatalf("orphans inside grace=%+v", r.Orphans)
	}

	h.clock.Advance(31 * time.Second)
	r := h.scan()
	if len(r.Orphans) != 1 || r.Orphans[0].Kind != KindLiveSibling || r.Orphans[0].ClientOrderID != target {
		t.Fatalf("orphans=%+v", r.Orphans)
	}
	if len(r.Marked) != 1 || r.IncidentID == "" {
		t.Fatalf("marked=%v incident=%q", r.Marked, r.IncidentID)
	}
	g, _ = h.mgr.Group(g.GroupID)
	if g.State != oco.StateOrphaned {
		t.Fatalf("state=%s", g.State)
	}

	open, _ := h.paper.OpenOrders(context.Background())
	if len(open) != 1 || open[0].ClientOrderID != target {
		t.Fatalf("sweep touched venue orders: %+v", open)
	}
	if h.ctl.EntriesAllowed() {
		t.Fatalf("entries open with a blocking alert")
	}

	// The same defect on the next sweep is reported but not escalated again.
	before := h.incidents()
	h.scan()
	if h.incidents() != before || len(h.ctl.Alerts()) != 1 {
		t.Fatalf("repeat escalation: incidents %d->%d alerts=%d", before, h.incidents(), len(h.ctl.Alerts()))
	}
}

func TestLateTargetLegIsFlaggedNotCancelled(t *testing.T) {
	h := newHarness(t)
	h.paper.SetSubmitHook(func(ctx context.Context, req broker.OrderRequest) error {
		if req.Type == broker.OrderTypeLimit && req.ReduceOnly {
			return broker.ErrTimeout
		}
		return nil
	})
	g := h.open("fp-late-target")
	h.pump()
	g, _ = h.mgr.Group(g.GroupID)
	if g.State != oco.StateFlattened {
		t.Fatalf("state=%s", g.State)
	}

	// The timed-out target reaches the venue after all.
	h.paper.SetSubmitHook(nil)
	if _, err := h.paper.Submit(context.Background(), g.Target.Request()); err != nil {
		t.Fatalf("late submit: %v", err)
	}
	h.clock.Advance(31 * time.Second)

	r := h.scan()
	if len(r.Orphans) != 1 || r.Orphans[0].Kind != KindLiveAtVenue || r.Orphans[0].GroupID != g.GroupID {
		t.Fatalf("orphans=%+v", r.Orphans)
	}
	g, _ = h.mgr.Group(g.GroupID)
	if g.State != oco.StateOrphaned {
		t.Fatalf("state=%s", g.State)
	}
	if r.IncidentID == "" {
		t.Fatalf("no incident")
	}
	open, _ := h.paper.OpenOrders(context.Background())
	if len(open) != 1 {
		t.Fatalf("venue orders=%d", len(open))
	}
}

type stubGroups struct {
	groups []oco.Group
	owners map[string]string
	marked map[string]string
}

func (s *stubGroups) Groups(bool) []oco.Group { return s.groups }

func (s *stubGroups) GroupFor(id string) (string, bool) {
	g, ok := s.owners[id]
	return g, ok
}

func (s *stubGroups) MarkOrphaned(ctx context.Context, id, reason string) (oco.Group, error) {
	s.marked[id] = reason
	return oco.Group{GroupID: id, State: oco.StateOrphaned}, nil
}

type stubVenue struct {
	orders    []broker.OrderState
	positions map[string]float64
}

func (v *stubVenue) OpenOrders(context.Context) ([]broker.OrderState, error) { return v.orders, nil }

func (v *stubVenue) Positions(context.Context) (map[string]float64, error) { return v.positions, nil }

type stubBook map[string]float64

func (b stubBook) Quantities() map[string]float64 { return b }

func TestSweepFindings(t *testing.T) {
	filled := order.Order{ClientOrderID: "e1", Role: order.RoleEntry, Status: order.StatusFilled, FilledQty: 10}
	tests := []struct {
		name   string
		groups []oco.Group
		owners map[string]string
		venue  *stubVenue
		kind   string
		marked string
	}{
		{
			name: "stuck entry",
			groups: []oco.Group{{GroupID: "g1", Fingerprint: "fp1", Symbol: "NIFTY", State: oco.StateEntryFilled,
				Entry: filled, EntryFilledAt: t0.Add(-time.Minute)}},
			venue:  &stubVenue{},
			kind:   KindStuckEntry,
			marked: "g1",
		},
		{
			name: "children settled but group open",
			groups: []oco.Group{{GroupID: "g1", Fingerprint: "fp1", Symbol: "NIFTY", State: oco.StateChildrenActive, Entry: filled,
				Stop:   &order.Order{ClientOrderID: "s1", Role: order.RoleStop, Status: order.StatusCancelled, UpdatedAt: t0.Add(-time.Minute)},
				Target: &order.Order{ClientOrderID: "t1", Role: order.RoleTarget, Status: order.StatusFilled, FilledQty: 10, UpdatedAt: t0.Add(-time.Minute)}}},
			venue:  &stubVenue{},
			kind:   KindStuckChildren,
			marked: "g1",
		},
		{
			name: "two live groups for one fingerprint",
			groups: []oco.Group{
				{GroupID: "g1", Fingerprint: "fp1", State: oco.StateEntrySubmitted},
				{GroupID: "g2", Fingerprint: "fp1", State: oco.StateEntrySubmitted},
			},
			venue:  &stubVenue{},
			kind:   KindDuplicateGroup,
			marked: "g2",
		},
		{
			name: "children without entry fill",
			groups: []oco.Group{{GroupID: "g1", Fingerprint: "fp1", State: oco.StateEntrySubmitted,
				Entry: order.Order{ClientOrderID: "e1", Status: order.StatusOpen},
				Stop:  &order.Order{ClientOrderID: "s1", Role: order.RoleStop, Status: order.StatusOpen}}},
			venue:  &stubVenue{},
			kind:   KindChildNoEntry,
			marked: "g1",
		},
		{
			name:   "repeated venue id",
			groups: []oco.Group{{GroupID: "g1", Fingerprint: "fp1", State: oco.StateEntrySubmitted, Entry: order.Order{ClientOrderID: "e1", Status: order.StatusOpen}}},
			owners: map[string]string{"e1": "g1"},
			venue: &stubVenue{orders: []broker.OrderState{
				{ClientOrderID: "e1", Status: broker.StatusOpen},
				{ClientOrderID: "e1", Status: broker.StatusOpen},
			}},
			kind:   KindDuplicateOrder,
			marked: "g1",
		},
		{
			name:  "untracked venue order",
			venue: &stubVenue{orders: []broker.OrderState{{ClientOrderID: "stray", Symbol: "NIFTY", Status: broker.StatusOpen}}},
			kind:  KindUnknownOrder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := &stubGroups{groups: tt.groups, owners: tt.owners, marked: map[string]string{}}
			svc := NewService(Deps{Groups: groups, Venue: tt.venue, Positions: stubBook{}, Clock: clock.NewManual(t0)})
			r, err := svc.Scan(context.Background())
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			var kinds []string
			for _, list := range [][]Finding{r.Duplicates, r.Orphans, r.Stuck} {
				for _, f := range list {
					kinds = append(kinds, f.Kind)
				}
			}
			found := false
			for _, k := range kinds {
				if k == tt.kind {
					found = true
				}
			}
			if !found {
				t.Fatalf("kinds=%v want %s", kinds, tt.kind)
			}
			if tt.marked != "" && groups.marked[tt.marked] == "" {
				t.Fatalf("marked=%v want %s", groups.marked, tt.marked)
			}
			if tt.marked == "" && len(groups.marked) != 0 {
				t.Fatalf("unexpected marks %v", groups.marked)
			}
		})
	}
}

func TestPositionDiffMustPersist(t *testing.T) {
	venue := &stubVenue{positions: map[string]float64{"NIFTY": 50}}
	book := stubBook{}
	svc := NewService(Deps{Groups: &stubGroups{marked: map[string]string{}}, Venue: venue, Positions: book, Clock: clock.NewManual(t0)})

	r, err := svc.Scan(context.Background())
	if err != nil || len(r.PositionDiffs) != 0 {
		t.Fatalf("first sweep diffs=%v err=%v", r.PositionDiffs, err)
	}
	r, err = svc.Scan(context.Background())
	if err != nil || len(r.PositionDiffs) != 1 {
		t.Fatalf("second sweep diffs=%v err=%v", r.PositionDiffs, err)
	}
	d := r.PositionDiffs[0]
	if d.Symbol != "NIFTY" || d.BrokerQty != 50 || d.Difference != -50 {
		t.Fatalf("diff=%+v", d)
	}

	book["NIFTY"] = 50
	if r, _ = svc.Scan(context.Background()); r.HasFindings() {
		t.Fatalf("diff after catch-up=%+v", r.PositionDiffs)
	}
}
