package oco

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/model"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
	"execution-core/pkg/clock"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// Auditor is the slice of the audit recorder the manager writes to.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
	Incident(ctx context.Context, trigger string, detail any) (audit.Snapshot, error)
}

// Observer receives group transitions for metrics.
type Observer interface {
	GroupTransition(from, to State)
}

// Deps wires the manager to the rest of the engine.
type Deps struct {
	DB        *db.Database
	Broker    broker.Adapter
	Journal   *order.Journal
	Positions *state.Manager
	Risk      *risk.Tracker
	Audit     Auditor
	Bus       *events.Bus
	Clock     clock.Clock
	Logger    *zap.Logger
	Options   func() config.OCOSection
	Observer  Observer
}

// Manager drives every OCO group through its lifecycle. Work on one group is
// serialized by a striped lock; readers get copies.
type Manager struct {
	d     Deps
	log   *zap.Logger
	clock clock.Clock
	locks *cache.KeyedMutex

	mu      sync.RWMutex
	groups  map[string]*Group
	owners  map[string]string // client order id -> group id
	changed chan struct{}
}

func NewManager(d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Options == nil {
		def := config.DefaultSnapshot().OCO
		d.Options = func() config.OCOSection { return def }
	}
	return &Manager{
		d:       d,
		log:     d.Logger,
		clock:   d.Clock,
		locks:   cache.NewKeyedMutex(128),
		groups:  make(map[string]*Group),
		owners:  make(map[string]string),
		changed: make(chan struct{}),
	}
}

// Create opens a group for an approved decision and submits its entry.
// Calling it again for the same group id returns the existing group. If
// that group has already closed, the reservation the caller just took for
// it is dropped.
func (m *Manager) Create(ctx context.Context, dec model.Decision) (Group, error) {
	if !dec.Approved() || dec.GroupID == "" {
		return Group{}, fmt.Errorf("%w: decision %s carries no approved group", model.ErrValidation, dec.DecisionID)
	}
	unlock := m.locks.Lock(dec.GroupID)
	defer unlock()

	if g, ok := m.get(dec.GroupID); ok {
		if g.State.Terminal() && g.State != StateOrphaned && m.d.Risk != nil {
			m.d.Risk.Release(g.GroupID)
		}
		return g, nil
	}

	now := m.clock.Now()
	sz := dec.Sizing
	g := Group{
		GroupID:     dec.GroupID,
		Fingerprint: dec.Fingerprint,
		DecisionID:  dec.DecisionID,
		Symbol:      dec.Symbol,
		Side:        dec.Side,
		Qty:         sz.Qty,
		EntryPrice:  sz.EntryPrice,
		StopPrice:   sz.StopPrice,
		TargetPrice: sz.TargetPrice,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	typ := broker.OrderTypeMarket
	if m.d.Options().EntryOrderType == string(broker.OrderTypeLimit) {
		typ = broker.OrderTypeLimit
	}
	g.Entry = order.New(g.Fingerprint, g.GroupID, order.RoleEntry, g.Symbol, entrySide(g.Side), typ, g.Qty, now)
	// Market entries carry the signal price as a reference for venues that need one.
	g.Entry.Price = g.EntryPrice
	m.own(g.Entry.ClientOrderID, g.GroupID)

	if err := m.save(ctx, &g); err != nil {
		return Group{}, err
	}
	m.appendAudit(ctx, audit.Entry{
		Kind:       audit.KindGroup,
		DecisionID: g.DecisionID,
		GroupID:    g.GroupID,
		Outcome:    string(StatePending),
		Detail:     map[string]any{"symbol": g.Symbol, "side": g.Side, "qty": g.Qty},
	})

	m.transition(ctx, &g, StateEntrySubmitted, "")
	if err := m.submit(ctx, &g, g.Entry.ClientOrderID); err != nil {
		// An entry still SUBMITTED has an unknown outcome and is left for recovery.
		if s := g.Entry.Status; s == order.StatusNew || s == order.StatusRejected {
			g.Entry.Status = order.StatusRejected
			g.ExitReason = ReasonEntryFailed
			m.transition(ctx, &g, StateCancelled, ReasonEntryFailed)
		}
		if serr := m.save(ctx, &g); serr != nil {
			m.log.Error("persist group after entry failure", zap.String("group_id", g.GroupID), zap.Error(serr))
		}
		return g.clone(), fmt.Errorf("submit entry for group %s: %w", g.GroupID, err)
	}
	if err := m.save(ctx, &g); err != nil {
		return g.clone(), err
	}
	return g.clone(), nil
}

// OnEvent applies one broker event to the group that owns the order.
func (m *Manager) OnEvent(ctx context.Context, ev broker.Event) (order.Outcome, error) {
	gid, ok := m.owner(ev.ClientOrderID)
	if !ok {
		var err error
		gid, err = m.adopt(ctx, ev.ClientOrderID)
		if err != nil {
			return order.Ignored, err
		}
	}
	unlock := m.locks.Lock(gid)
	defer unlock()

	g, ok := m.get(gid)
	if !ok {
		return order.Ignored, fmt.Errorf("%w: group %s not loaded", model.ErrInconsistent, gid)
	}
	outcome, err := m.apply(ctx, &g, ev, true)
	if outcome == order.Stale {
		return outcome, nil
	}
	if serr := m.save(ctx, &g); serr != nil {
		return outcome, serr
	}
	return outcome, err
}

// adopt loads a group absent from memory, typically a terminal one hit by a
// late event after a restart.
func (m *Manager) adopt(ctx context.Context, clientOrderID string) (string, error) {
	if m.d.DB == nil {
		return "", fmt.Errorf("%w: event for unknown order %s", model.ErrInconsistent, clientOrderID)
	}
	row, err := m.d.DB.GetOrder(ctx, clientOrderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("%w: event for unknown order %s", model.ErrInconsistent, clientOrderID)
		}
		return "", err
	}
	if _, err := m.load(ctx, row.GroupID); err != nil {
		return "", err
	}
	return row.GroupID, nil
}

func (m *Manager) load(ctx context.Context, groupID string) (Group, error) {
	gr, err := m.d.DB.GetGroup(ctx, groupID)
	if err != nil {
		return Group{}, fmt.Errorf("load group %s: %w", groupID, err)
	}
	rows, err := m.d.DB.ListOrdersByGroup(ctx, groupID)
	if err != nil {
		return Group{}, fmt.Errorf("load orders for %s: %w", groupID, err)
	}
	g := fromRows(gr, rows)
	m.mu.Lock()
	if _, ok := m.groups[groupID]; !ok {
		c := g.clone()
		m.groups[groupID] = &c
	}
	for _, o := range g.Orders() {
		m.owners[o.ClientOrderID] = groupID
	}
	m.mu.Unlock()
	return g, nil
}

// Cancel withdraws a group whose entry has not filled. Cancelling a group
// that is already CANCELLED is a no-op.
func (m *Manager) Cancel(ctx context.Context, groupID string) (Group, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, ok := m.get(groupID)
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", groupID, db.ErrNotFound)
	}
	if g.State == StateCancelled {
		return g, nil
	}
	if g.State.Terminal() || g.Entry.FilledQty > 0 || (g.State != StatePending && g.State != StateEntrySubmitted) {
		return g, fmt.Errorf("%w: group %s is %s, use a forced exit", model.ErrConflict, groupID, g.State)
	}
	if err := m.cancelOrder(ctx, &g, g.Entry.ClientOrderID); err != nil {
		m.saveQuiet(ctx, &g)
		return g.clone(), err
	}
	if g.Entry.FilledQty > 0 {
		m.advance(ctx, &g, &g.Entry)
		m.saveQuiet(ctx, &g)
		return g.clone(), fmt.Errorf("%w: entry of %s filled before cancel", model.ErrConflict, groupID)
	}
	g.ExitReason = ReasonOperatorCancel
	m.transition(ctx, &g, StateCancelled, ReasonOperatorCancel)
	if err := m.save(ctx, &g); err != nil {
		return g.clone(), err
	}
	return g.clone(), nil
}

// ForceExit takes a group out of the market regardless of its children:
// live legs are cancelled and any open quantity is closed with a market
// EXIT order. Repeated calls while an EXIT is in flight do not add another.
func (m *Manager) ForceExit(ctx context.Context, groupID, reason string) (Group, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, ok := m.get(groupID)
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", groupID, db.ErrNotFound)
	}
	if g.State.Terminal() {
		return g, nil
	}
	err := m.exit(ctx, &g, reason)
	if serr := m.save(ctx, &g); serr != nil && err == nil {
		err = serr
	}
	return g.clone(), err
}

// MarkOrphaned halts automated action on a group. Its risk reservation is
// kept until an operator resolves it.
func (m *Manager) MarkOrphaned(ctx context.Context, groupID, reason string) (Group, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, ok := m.get(groupID)
	if !ok {
		var err error
		if g, err = m.load(ctx, groupID); err != nil {
			return Group{}, err
		}
	}
	if g.State == StateOrphaned {
		return g, nil
	}
	g.ExitReason = reason
	m.transition(ctx, &g, StateOrphaned, reason)
	if err := m.save(ctx, &g); err != nil {
		return g.clone(), err
	}
	return g.clone(), nil
}

// Group returns a copy of the group.
func (m *Manager) Group(groupID string) (Group, bool) {
	return m.get(groupID)
}

// Groups returns copies of the known groups, newest first.
func (m *Manager) Groups(openOnly bool) []Group {
	m.mu.RLock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		if openOnly && g.State.Terminal() {
			continue
		}
		out = append(out, g.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// OpenGroupIDs lists groups that are not terminal.
func (m *Manager) OpenGroupIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for id, g := range m.groups {
		if !g.State.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// GroupFor returns the id of the group owning clientOrderID.
func (m *Manager) GroupFor(clientOrderID string) (string, bool) {
	return m.owner(clientOrderID)
}

// WaitTerminal blocks until every listed group is terminal or ctx ends.
func (m *Manager) WaitTerminal(ctx context.Context, groupIDs []string) error {
	for {
		m.mu.RLock()
		ch := m.changed
		done := true
		for _, id := range groupIDs {
			if g, ok := m.groups[id]; ok && !g.State.Terminal() {
				done = false
				break
			}
		}
		m.mu.RUnlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (m *Manager) get(groupID string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

func (m *Manager) own(clientOrderID, groupID string) {
	m.mu.Lock()
	m.owners[clientOrderID] = groupID
	m.mu.Unlock()
}

func (m *Manager) owner(clientOrderID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.owners[clientOrderID]
	return id, ok
}

// save writes the group and its orders through to SQLite, then publishes
// the new copy to readers.
func (m *Manager) save(ctx context.Context, g *Group) error {
	g.UpdatedAt = m.clock.Now()
	if m.d.DB != nil {
		if err := m.d.DB.UpsertGroup(ctx, groupRow(g)); err != nil {
			return fmt.Errorf("persist group %s: %w", g.GroupID, err)
		}
		for _, o := range g.Orders() {
			if err := m.d.DB.UpsertOrder(ctx, orderRow(o)); err != nil {
				return fmt.Errorf("persist order %s: %w", o.ClientOrderID, err)
			}
		}
	}
	c := g.clone()
	m.mu.Lock()
	m.groups[g.GroupID] = &c
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	if m.d.Bus != nil {
		m.d.Bus.Publish(events.EventGroupUpdate, c)
	}
	return nil
}

func (m *Manager) saveQuiet(ctx context.Context, g *Group) {
	if err := m.save(ctx, g); err != nil {
		m.log.Error("persist group", zap.String("group_id", g.GroupID), zap.Error(err))
	}
}

func (m *Manager) appendAudit(ctx context.Context, e audit.Entry) {
	if m.d.Audit == nil {
		return
	}
	if _, err := m.d.Audit.Append(ctx, e); err != nil {
		m.log.Error("audit append failed", zap.String("kind", string(e.Kind)), zap.String("group_id", e.GroupID), zap.Error(err))
	}
}

func (m *Manager) incident(ctx context.Context, g *Group, trigger string, detail map[string]any) {
	m.log.Warn("oco incident", zap.String("group_id", g.GroupID), zap.String("trigger", trigger))
	if m.d.Audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["group_id"] = g.GroupID
	detail["state"] = g.State
	if _, err := m.d.Audit.Incident(ctx, trigger, detail); err != nil {
		m.log.Error("incident snapshot failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

func (m *Manager) now() time.Time { return m.clock.Now() }
