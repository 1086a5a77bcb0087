// Package reconciliation cross-checks the engine's order groups and
// positions against the broker. It reports and escalates; it never cancels
// or resizes anything.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"execution-core/internal/audit"
	"execution-core/internal/control"
	"execution-core/internal/oco"
	"execution-core/internal/order"
	"execution-core/pkg/broker"
	"execution-core/pkg/clock"
)

const qtyTolerance = 1e-9

// Finding kinds.
const (
	KindDuplicateLeg   = "duplicate_leg"
	KindDuplicateGroup = "duplicate_group"
	KindDuplicateOrder = "duplicate_venue_order"
	KindUnknownOrder   = "unknown_venue_order"
	KindLiveSibling    = "filled_child_live_sibling"
	KindChildNoEntry   = "children_without_entry"
	KindLiveAtVenue    = "live_at_venue"
	KindStuckEntry     = "stuck_entry_filled"
	KindStuckChildren  = "stuck_children_settled"
)

// Groups is what the sweep reads from, and marks on, the lifecycle manager.
type Groups interface {
	Groups(openOnly bool) []oco.Group
	GroupFor(clientOrderID string) (string, bool)
	MarkOrphaned(ctx context.Context, groupID, reason string) (oco.Group, error)
}

// Venue is the read side of the broker.
type Venue interface {
	OpenOrders(ctx context.Context) ([]broker.OrderState, error)
	Positions(ctx context.Context) (map[string]float64, error)
}

// Positions returns the internal signed quantity per symbol.
type Positions interface {
	Quantities() map[string]float64
}

type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
	Incident(ctx context.Context, trigger string, detail any) (audit.Snapshot, error)
}

type Alerter interface {
	RaiseAlert(ctx context.Context, kind, message string, blocking bool) control.Alert
}

// Observer receives sweep telemetry.
type Observer interface {
	ObserveSweep(findings int, elapsed time.Duration)
}

type Deps struct {
	Groups    Groups
	Venue     Venue
	Positions Positions
	Audit     Auditor
	Alerts    Alerter
	Clock     clock.Clock
	Logger    *zap.Logger
	// Grace is how long a transient inconsistency may persist before it is
	// reported, read on every sweep.
	Grace    func() time.Duration
	Interval time.Duration
	// Active gates periodic sweeps, typically on leadership.
	Active   func() bool
	Observer Observer
}

// Finding is one inconsistency.
type Finding struct {
	Kind          string `json:"kind"`
	GroupID       string `json:"group_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Detail        string `json:"detail"`
}

// PositionDiff is a symbol where the broker and the book disagree.
type PositionDiff struct {
	Symbol     string  `json:"symbol"`
	LocalQty   float64 `json:"local_qty"`
	BrokerQty  float64 `json:"broker_qty"`
	Difference float64 `json:"difference"`
}

// Report is the result of one sweep.
type Report struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Duplicates    []Finding      `json:"duplicates"`
	Orphans       []Finding      `json:"orphans"`
	Stuck         []Finding      `json:"stuck"`
	PositionDiffs []PositionDiff `json:"position_diffs"`
	Marked        []string       `json:"marked_orphaned"`
	IncidentID    string         `json:"incident_id,omitempty"`
	ElapsedMS     int64          `json:"elapsed_ms"`
}

// HasFindings reports whether the sweep found anything.
func (r *Report) HasFindings() bool {
	return r.Count() > 0
}

func (r *Report) Count() int {
	return len(r.Duplicates) + len(r.Orphans) + len(r.Stuck) + len(r.PositionDiffs)
}

// Service runs sweeps on demand and on a fixed interval.
type Service struct {
	d     Deps
	log   *zap.Logger
	clock clock.Clock

	mu   sync.Mutex
	last *Report
	// position differences seen on the previous sweep; a difference is
	// reported only when it survives two sweeps unchanged.
	seen map[string]float64
	// findings escalated by the previous sweep.
	known map[string]bool
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Interval <= 0 {
		d.Interval = 30 * time.Second
	}
	if d.Grace == nil {
		d.Grace = func() time.Duration { return 30 * time.Second }
	}
	return &Service{d: d, log: d.Logger, clock: d.Clock, seen: make(map[string]float64), known: make(map[string]bool)}
}

// Start begins periodic sweeps until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.d.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.d.Active != nil && !s.d.Active() {
					continue
				}
				if _, err := s.Scan(ctx); err != nil {
					s.log.Error("reconciliation sweep failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation started", zap.Duration("interval", s.d.Interval))
}

// Last returns the most recent report, if any.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Scan performs one sweep. Affected groups are marked ORPHANED, which halts
// automated action on them, and an incident plus a blocking alert are raised.
func (s *Service) Scan(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock.Now()
	grace := s.d.Grace()
	report := &Report{
		ID:            uuid.NewString(),
		Timestamp:     start,
		Duplicates:    []Finding{},
		Orphans:       []Finding{},
		Stuck:         []Finding{},
		PositionDiffs: []PositionDiff{},
		Marked:        []string{},
	}

	var (
		venueOrders       []broker.OrderState
		venuePos          map[string]float64
		ordersErr, posErr error
		wg                conc.WaitGroup
	)
	wg.Go(func() { venueOrders, ordersErr = s.d.Venue.OpenOrders(ctx) })
	wg.Go(func() { venuePos, posErr = s.d.Venue.Positions(ctx) })
	wg.Wait()
	if ordersErr != nil {
		return nil, fmt.Errorf("open orders: %w", ordersErr)
	}
	if posErr != nil {
		return nil, fmt.Errorf("broker positions: %w", posErr)
	}
	groups := s.d.Groups.Groups(false)
	byID := make(map[string]oco.Group, len(groups))
	for _, g := range groups {
		byID[g.GroupID] = g
	}

	affected := make(map[string]string)
	s.checkGroups(groups, start, grace, report, affected)
	s.checkVenueOrders(venueOrders, byID, start, grace, report, affected)
	s.checkPositions(venuePos, report)

	fresh := s.remember(report)
	if fresh > 0 {
		ids := make([]string, 0, len(affected))
		for id := range affected {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if g, ok := byID[id]; ok && g.State == oco.StateOrphaned {
				continue
			}
			if _, err := s.d.Groups.MarkOrphaned(ctx, id, "reconcile_"+affected[id]); err != nil {
				s.log.Error("mark orphaned failed", zap.String("group_id", id), zap.Error(err))
				continue
			}
			report.Marked = append(report.Marked, id)
		}
		if s.d.Audit != nil {
			snap, err := s.d.Audit.Incident(ctx, "reconciliation", report)
			if err != nil {
				s.log.Error("reconciliation incident failed", zap.Error(err))
			} else {
				report.IncidentID = snap.ID
			}
		}
		if s.d.Alerts != nil {
			s.d.Alerts.RaiseAlert(ctx, "reconciliation",
				fmt.Sprintf("%d inconsistencies, %d groups halted", report.Count(), len(report.Marked)), true)
		}
		s.log.Warn("reconciliation findings",
			zap.Int("duplicates", len(report.Duplicates)),
			zap.Int("orphans", len(report.Orphans)),
			zap.Int("stuck", len(report.Stuck)),
			zap.Int("position_diffs", len(report.PositionDiffs)),
			zap.Int("new", fresh),
			zap.Strings("marked", report.Marked))
	}

	elapsed := s.clock.Now().Sub(start)
	report.ElapsedMS = elapsed.Milliseconds()
	if s.d.Audit != nil {
		outcome := "CLEAN"
		if report.HasFindings() {
			outcome = "FINDINGS"
		}
		if _, err := s.d.Audit.Append(ctx, audit.Entry{
			Kind:    audit.KindReconcile,
			Outcome: outcome,
			Detail:  map[string]any{"id": report.ID, "findings": report.Count(), "marked": report.Marked},
		}); err != nil {
			s.log.Error("reconciliation audit failed", zap.Error(err))
		}
	}
	if s.d.Observer != nil {
		s.d.Observer.ObserveSweep(report.Count(), elapsed)
	}
	s.last = report
	return report, nil
}

func (s *Service) checkGroups(groups []oco.Group, now time.Time, grace time.Duration, r *Report, affected map[string]string) {
	live := make(map[string][]string)
	for _, g := range groups {
		if g.State.Terminal() {
			continue
		}
		live[g.Fingerprint] = append(live[g.Fingerprint], g.GroupID)

		var liveExits int
		for _, ex := range g.Exits {
			if ex.Status.Live() {
				liveExits++
			}
		}
		if liveExits > 1 {
			r.Duplicates = append(r.Duplicates, Finding{Kind: KindDuplicateLeg, GroupID: g.GroupID, Symbol: g.Symbol,
				Detail: fmt.Sprintf("%d live EXIT orders", liveExits)})
			affected[g.GroupID] = KindDuplicateLeg
		}

		if (g.Stop != nil || g.Target != nil) && g.Entry.FilledQty <= qtyTolerance {
			r.Orphans = append(r.Orphans, Finding{Kind: KindChildNoEntry, GroupID: g.GroupID, Symbol: g.Symbol,
				Detail: "protective legs exist without a filled entry"})
			affected[g.GroupID] = KindChildNoEntry
		}

		for _, child := range []*order.Order{g.Stop, g.Target} {
			if child == nil || child.Status != order.StatusFilled || now.Sub(child.UpdatedAt) < grace {
				continue
			}
			var sib *order.Order
			if child == g.Stop {
				sib = g.Target
			} else {
				sib = g.Stop
			}
			if sib != nil && sib.Status.Live() {
				r.Orphans = append(r.Orphans, Finding{Kind: KindLiveSibling, GroupID: g.GroupID, ClientOrderID: sib.ClientOrderID, Symbol: g.Symbol,
					Detail: fmt.Sprintf("%s filled while %s is %s", child.Role, sib.Role, sib.Status)})
				affected[g.GroupID] = KindLiveSibling
			}
		}

		if g.State == oco.StateChildrenActive && g.Stop != nil && g.Target != nil &&
			g.Stop.Status.Terminal() && g.Target.Status.Terminal() {
			settled := g.Stop.UpdatedAt
			if g.Target.UpdatedAt.After(settled) {
				settled = g.Target.UpdatedAt
			}
			if now.Sub(settled) > grace {
				r.Stuck = append(r.Stuck, Finding{Kind: KindStuckChildren, GroupID: g.GroupID, Symbol: g.Symbol,
					Detail: fmt.Sprintf("stop %s and target %s but group still %s", g.Stop.Status, g.Target.Status, g.State)})
				affected[g.GroupID] = KindStuckChildren
			}
		}

		if g.State == oco.StateEntryFilled && !g.EntryFilledAt.IsZero() && now.Sub(g.EntryFilledAt) > grace {
			r.Stuck = append(r.Stuck, Finding{Kind: KindStuckEntry, GroupID: g.GroupID, Symbol: g.Symbol,
				Detail: fmt.Sprintf("entry filled %s ago without active children", now.Sub(g.EntryFilledAt).Round(time.Second))})
			affected[g.GroupID] = KindStuckEntry
		}
	}
	for fp, ids := range live {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		for _, id := range ids {
			r.Duplicates = append(r.Duplicates, Finding{Kind: KindDuplicateGroup, GroupID: id,
				Detail: fmt.Sprintf("fingerprint %s has %d live groups", fp, len(ids))})
			affected[id] = KindDuplicateGroup
		}
	}
}

func (s *Service) checkVenueOrders(orders []broker.OrderState, groups map[string]oco.Group, now time.Time, grace time.Duration, r *Report, affected map[string]string) {
	counts := make(map[string]int)
	for _, st := range orders {
		counts[st.ClientOrderID]++
	}
	reported := make(map[string]bool)
	for _, st := range orders {
		id := st.ClientOrderID
		if counts[id] > 1 && !reported[id] {
			reported[id] = true
			f := Finding{Kind: KindDuplicateOrder, ClientOrderID: id, Symbol: st.Symbol,
				Detail: fmt.Sprintf("%d live venue orders share this id", counts[id])}
			if gid, ok := s.d.Groups.GroupFor(id); ok {
				f.GroupID = gid
				affected[gid] = KindDuplicateOrder
			}
			r.Duplicates = append(r.Duplicates, f)
		}

		gid, ok := s.d.Groups.GroupFor(id)
		if !ok {
			r.Duplicates = append(r.Duplicates, Finding{Kind: KindUnknownOrder, ClientOrderID: id, Symbol: st.Symbol,
				Detail: fmt.Sprintf("venue order %s is not tracked by any group", st.Status)})
			continue
		}
		g, ok := groups[gid]
		if !ok {
			continue
		}
		o := findOrder(&g, id)
		if o == nil {
			r.Orphans = append(r.Orphans, Finding{Kind: KindLiveAtVenue, GroupID: gid, ClientOrderID: id, Symbol: st.Symbol,
				Detail: "venue order missing from its group"})
			affected[gid] = KindLiveAtVenue
			continue
		}
		if g.State == oco.StateOrphaned || (!o.Status.Terminal() && !g.State.Terminal()) {
			continue
		}
		if now.Sub(o.UpdatedAt) < grace {
			continue
		}
		r.Orphans = append(r.Orphans, Finding{Kind: KindLiveAtVenue, GroupID: gid, ClientOrderID: id, Symbol: st.Symbol,
			Detail: fmt.Sprintf("%s is %s at the venue but %s in group %s", o.Role, st.Status, o.Status, g.State)})
		affected[gid] = KindLiveAtVenue
	}
}

func (s *Service) checkPositions(venue map[string]float64, r *Report) {
	local := s.d.Positions.Quantities()
	symbols := make(map[string]struct{}, len(local)+len(venue))
	for sym := range local {
		symbols[sym] = struct{}{}
	}
	for sym := range venue {
		symbols[sym] = struct{}{}
	}
	seen := make(map[string]float64)
	for sym := range symbols {
		diff := local[sym] - venue[sym]
		if math.Abs(diff) <= qtyTolerance {
			continue
		}
		seen[sym] = diff
		if prev, ok := s.seen[sym]; !ok || math.Abs(prev-diff) > qtyTolerance {
			continue
		}
		r.PositionDiffs = append(r.PositionDiffs, PositionDiff{Symbol: sym, LocalQty: local[sym], BrokerQty: venue[sym], Difference: diff})
	}
	s.seen = seen
	sort.Slice(r.PositionDiffs, func(i, j int) bool { return r.PositionDiffs[i].Symbol < r.PositionDiffs[j].Symbol })
}

// remember records the report's findings and returns how many were not
// present on the previous sweep. Only those escalate again.
func (s *Service) remember(r *Report) int {
	next := make(map[string]bool, r.Count())
	var fresh int
	add := func(key string) {
		if !next[key] && !s.known[key] {
			fresh++
		}
		next[key] = true
	}
	for _, list := range [][]Finding{r.Duplicates, r.Orphans, r.Stuck} {
		for _, f := range list {
			add(f.Kind + "|" + f.GroupID + "|" + f.ClientOrderID + "|" + f.Symbol)
		}
	}
	for _, d := range r.PositionDiffs {
		add(fmt.Sprintf("position|%s|%g", d.Symbol, d.Difference))
	}
	s.known = next
	return fresh
}

func findOrder(g *oco.Group, clientOrderID string) *order.Order {
	for _, o := range g.Orders() {
		if o.ClientOrderID == clientOrderID {
			return o
		}
	}
	return nil
}
