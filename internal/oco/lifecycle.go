package oco

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/model"
	"execution-core/internal/order"
	"execution-core/pkg/broker"
)

const qtyTolerance = 1e-9

func (m *Manager) transition(ctx context.Context, g *Group, to State, reason string) {
	from := g.State
	if from == to {
		return
	}
	g.State = to
	g.UpdatedAt = m.now()
	if to.Terminal() && to != StateOrphaned && m.d.Risk != nil {
		m.d.Risk.Release(g.GroupID)
	}
	m.log.Info("group transition",
		zap.String("group_id", g.GroupID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	m.appendAudit(ctx, audit.Entry{
		Kind:       audit.KindGroup,
		DecisionID: g.DecisionID,
		GroupID:    g.GroupID,
		Outcome:    string(to),
		Reason:     reason,
		Detail:     map[string]any{"from": from, "open_qty": g.OpenQty()},
	})
	if m.d.Observer != nil {
		m.d.Observer.GroupTransition(from, to)
	}
	if to == StateOrphaned {
		m.incident(ctx, g, "orphaned_group", map[string]any{"reason": reason, "from": from})
	}
}

// apply folds ev into the owning order, books any fill and, when advance is
// set, moves the group on. Internal cancels apply without advancing so the
// caller decides what the result means.
func (m *Manager) apply(ctx context.Context, g *Group, ev broker.Event, advance bool) (order.Outcome, error) {
	o := g.find(ev.ClientOrderID)
	if o == nil {
		return order.Ignored, fmt.Errorf("%w: order %s not in group %s", model.ErrInconsistent, ev.ClientOrderID, g.GroupID)
	}
	prevQty, prevAvg := o.FilledQty, o.AvgFillPrice
	outcome, delta, aerr := o.Apply(ev, m.now())
	if outcome != order.Applied {
		return outcome, aerr
	}

	if delta > qtyTolerance {
		px := o.AvgFillPrice
		if prevQty > 0 {
			px = (o.AvgFillPrice*o.FilledQty - prevAvg*prevQty) / delta
		}
		if px <= 0 {
			px = o.AvgFillPrice
		}
		m.book(ctx, g, o, delta, px)
	}
	m.appendAudit(ctx, audit.Entry{
		Kind:          audit.KindOrder,
		DecisionID:    g.DecisionID,
		GroupID:       g.GroupID,
		ClientOrderID: o.ClientOrderID,
		Outcome:       string(o.Status),
		Reason:        ev.Reason,
		Detail: map[string]any{
			"role": o.Role, "event": ev.Type, "seq": ev.Seq,
			"filled_qty": o.FilledQty, "avg_fill_price": o.AvgFillPrice, "delta": delta,
		},
	})
	if m.d.Bus != nil {
		m.d.Bus.Publish(events.EventOrderUpdate, *o)
	}

	if aerr != nil {
		// The venue filled an order this engine had already written off.
		if errors.Is(aerr, model.ErrConflict) && delta > 0 && g.State != StateOrphaned {
			g.ExitReason = "fill_after_cancel"
			m.transition(ctx, g, StateOrphaned, "fill_after_cancel")
		}
		return outcome, aerr
	}
	if advance {
		m.advance(ctx, g, o)
	}
	return outcome, nil
}

// book records a confirmed fill in the position book and the day's P&L.
func (m *Manager) book(ctx context.Context, g *Group, o *order.Order, qty, px float64) {
	if m.d.Positions == nil {
		return
	}
	pos, realized, err := m.d.Positions.RecordFill(ctx, o.Symbol, o.Side, qty, px, m.now())
	if err != nil {
		m.log.Error("record fill", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
		return
	}
	if realized != 0 && m.d.Risk != nil {
		if err := m.d.Risk.RecordRealized(ctx, realized, m.now()); err != nil {
			m.log.Error("record realized pnl", zap.String("group_id", g.GroupID), zap.Error(err))
		}
	}
	m.appendAudit(ctx, audit.Entry{
		Kind:          audit.KindPosition,
		GroupID:       g.GroupID,
		ClientOrderID: o.ClientOrderID,
		Outcome:       pos.Symbol,
		Detail:        map[string]any{"qty": pos.Qty, "avg_price": pos.AvgPrice, "fill_qty": qty, "fill_price": px, "realized": realized},
	})
	if m.d.Bus != nil {
		m.d.Bus.Publish(events.EventPositionChange, pos)
	}
}

// advance moves the group on after o changed.
func (m *Manager) advance(ctx context.Context, g *Group, o *order.Order) {
	if g.State == StateOrphaned {
		return
	}
	switch o.Role {
	case order.RoleEntry:
		m.advanceEntry(ctx, g)
	case order.RoleStop, order.RoleTarget:
		m.advanceChild(ctx, g, o)
	case order.RoleExit:
		m.advanceExit(ctx, g, o)
	}
}

func (m *Manager) advanceEntry(ctx context.Context, g *Group) {
	e := &g.Entry
	if !e.Status.Terminal() {
		return
	}
	if e.FilledQty <= qtyTolerance {
		if !g.State.Terminal() {
			m.transition(ctx, g, StateCancelled, "entry_"+string(e.Status))
		}
		return
	}
	if g.State.Terminal() {
		return
	}
	if g.EntryFilledAt.IsZero() {
		g.EntryFilledAt = m.now()
	}
	if g.State == StatePending || g.State == StateEntrySubmitted {
		m.transition(ctx, g, StateEntryFilled, "")
	}
	if m.d.Risk != nil {
		m.d.Risk.Resize(g.GroupID, g.RiskAmount())
	}
	if g.ForceExit {
		if err := m.exit(ctx, g, g.ExitReason); err != nil {
			m.log.Error("forced exit after entry fill", zap.String("group_id", g.GroupID), zap.Error(err))
		}
		return
	}
	if g.State == StateEntryFilled {
		if err := m.submitChildren(ctx, g); err != nil {
			m.log.Error("protective legs", zap.String("group_id", g.GroupID), zap.Error(err))
		}
	}
}

func (m *Manager) advanceChild(ctx context.Context, g *Group, o *order.Order) {
	if g.State.Terminal() {
		return
	}
	switch o.Status {
	case order.StatusFilled:
		if g.ForceExit {
			m.settle(ctx, g)
			return
		}
		sib := g.sibling(o)
		if sib != nil {
			if err := m.cancelOrder(ctx, g, sib.ClientOrderID); err != nil {
				// Sibling state unknown; keep the group open and let the
				// sibling's own events or the sweep resolve it.
				m.log.Warn("sibling cancel unconfirmed", zap.String("group_id", g.GroupID), zap.Error(err))
				return
			}
			sib = g.find(sib.ClientOrderID)
			if sib.FilledQty > qtyTolerance {
				g.ExitReason = "double_fill"
				m.transition(ctx, g, StateOrphaned, "double_fill")
				return
			}
		}
		g.ExitReason = string(o.Role) + "_filled"
		m.transition(ctx, g, StateCompleted, g.ExitReason)
	case order.StatusCancelled, order.StatusRejected:
		if g.ForceExit || g.State != StateChildrenActive {
			return
		}
		if sib := g.sibling(o); sib != nil && sib.Status == order.StatusFilled {
			// Ack for a sibling whose cancel was left unconfirmed.
			if o.FilledQty > qtyTolerance {
				g.ExitReason = "double_fill"
				m.transition(ctx, g, StateOrphaned, "double_fill")
				return
			}
			g.ExitReason = string(sib.Role) + "_filled"
			m.transition(ctx, g, StateCompleted, g.ExitReason)
			return
		}
		m.incident(ctx, g, ReasonProtectionLost, map[string]any{"client_order_id": o.ClientOrderID, "status": o.Status})
		if err := m.exit(ctx, g, ReasonProtectionLost); err != nil {
			m.log.Error("exit after lost protective leg", zap.String("group_id", g.GroupID), zap.Error(err))
		}
	}
}

func (m *Manager) advanceExit(ctx context.Context, g *Group, o *order.Order) {
	switch o.Status {
	case order.StatusFilled:
		m.settle(ctx, g)
	case order.StatusCancelled, order.StatusRejected:
		if o.FilledQty > qtyTolerance {
			m.settle(ctx, g)
		}
		if !g.State.Terminal() {
			m.incident(ctx, g, "exit_not_filled", map[string]any{"client_order_id": o.ClientOrderID, "status": o.Status, "open_qty": g.OpenQty()})
		}
	}
}

// settle closes a forced group once nothing is left open.
func (m *Manager) settle(ctx context.Context, g *Group) {
	if g.State.Terminal() || math.Abs(g.OpenQty()) > qtyTolerance {
		return
	}
	for _, o := range g.Orders() {
		if o.Status.Live() {
			return
		}
	}
	switch {
	case g.Entry.FilledQty <= qtyTolerance:
		m.transition(ctx, g, StateCancelled, g.ExitReason)
	case len(g.Exits) == 0:
		m.transition(ctx, g, StateCompleted, g.ExitReason)
	default:
		m.transition(ctx, g, StateFlattened, g.ExitReason)
	}
}

// submit journals and sends one order. On return the order's status tells
// the caller what is known: NEW (never placed), REJECTED, or SUBMITTED and
// beyond. A timeout is resolved by querying the venue.
func (m *Manager) submit(ctx context.Context, g *Group, clientOrderID string) error {
	o := g.find(clientOrderID)
	if o == nil {
		return fmt.Errorf("%w: order %s not in group %s", model.ErrInconsistent, clientOrderID, g.GroupID)
	}
	if m.d.Journal != nil {
		if err := m.d.Journal.Intent(*o); err != nil {
			return fmt.Errorf("%w: %v", model.ErrTransientTransport, err)
		}
	}
	o.Status = order.StatusSubmitted
	o.UpdatedAt = m.now()
	req := o.Request()

	ack, err := m.d.Broker.Submit(ctx, req)
	if err == nil && ack.Status == broker.StatusRejected {
		err = broker.ErrRejected
	}
	if err == nil {
		o = g.find(clientOrderID)
		if ack.BrokerOrderID != "" {
			o.BrokerOrderID = ack.BrokerOrderID
		}
		m.complete(clientOrderID)
		return nil
	}
	if !broker.Transient(err) {
		o = g.find(clientOrderID)
		o.Status = order.StatusRejected
		m.complete(clientOrderID)
		return fmt.Errorf("submit %s: %w", clientOrderID, err)
	}

	st, qerr := m.d.Broker.Query(ctx, clientOrderID)
	switch {
	case qerr == nil:
		if ev, ok := order.FromState(st, m.now()); ok {
			if _, aerr := m.apply(ctx, g, ev, true); aerr != nil {
				m.log.Warn("apply queried state", zap.String("client_order_id", clientOrderID), zap.Error(aerr))
			}
		}
		m.complete(clientOrderID)
		return nil
	case errors.Is(qerr, broker.ErrUnknownOrder):
		o = g.find(clientOrderID)
		o.Status = order.StatusNew
		m.complete(clientOrderID)
		return fmt.Errorf("%w: submit %s: %v", model.ErrTransientTransport, clientOrderID, err)
	}
	// Outcome unknown: the intent stays open for recovery.
	return fmt.Errorf("%w: submit %s outcome unknown: %v", model.ErrTransientTransport, clientOrderID, err)
}

func (m *Manager) complete(clientOrderID string) {
	if m.d.Journal != nil {
		m.d.Journal.Complete(clientOrderID)
	}
}

// submitChildren places the stop and target for the filled entry. A child
// that cannot be placed after the configured attempts triggers a forced
// exit rather than leaving the position unprotected.
func (m *Manager) submitChildren(ctx context.Context, g *Group) error {
	now := m.now()
	qty := g.Entry.FilledQty
	side := exitSide(g.Side)
	if g.Stop == nil {
		s := order.New(g.Fingerprint, g.GroupID, order.RoleStop, g.Symbol, side, broker.OrderTypeStop, qty, now)
		s.StopPrice = g.StopPrice
		g.Stop = &s
		m.own(s.ClientOrderID, g.GroupID)
	}
	if g.Target == nil {
		t := order.New(g.Fingerprint, g.GroupID, order.RoleTarget, g.Symbol, side, broker.OrderTypeLimit, qty, now)
		t.Price = g.TargetPrice
		g.Target = &t
		m.own(t.ClientOrderID, g.GroupID)
	}
	if err := m.save(ctx, g); err != nil {
		return err
	}

	attempts := m.d.Options().ChildSubmitAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for _, id := range []string{g.Stop.ClientOrderID, g.Target.ClientOrderID} {
		var err error
		for n := 0; n < attempts; n++ {
			o := g.find(id)
			if o.Status != order.StatusNew {
				break
			}
			if err = m.submit(ctx, g, id); err == nil {
				break
			}
			m.log.Warn("protective leg submit failed",
				zap.String("group_id", g.GroupID),
				zap.String("client_order_id", id),
				zap.Int("attempt", n+1),
				zap.Error(err))
			if g.find(id).Status != order.StatusNew {
				break
			}
		}
		if g.State.Terminal() {
			return nil
		}
		if err != nil {
			if o := g.find(id); o.Status == order.StatusNew {
				o.Status = order.StatusRejected
			}
			g.ForceExit = true
			g.ExitReason = ReasonChildSubmitFailed
			m.incident(ctx, g, ReasonChildSubmitFailed, map[string]any{"client_order_id": id, "error": err.Error()})
			return m.exit(ctx, g, ReasonChildSubmitFailed)
		}
	}
	if g.State == StateEntryFilled {
		m.transition(ctx, g, StateChildrenActive, "")
	}
	return nil
}

// cancelOrder withdraws one leg and resolves its final state with the venue.
// Terminal orders are left alone.
func (m *Manager) cancelOrder(ctx context.Context, g *Group, clientOrderID string) error {
	o := g.find(clientOrderID)
	if o == nil || o.Status.Terminal() {
		return nil
	}
	if o.Status == order.StatusNew {
		o.Status = order.StatusCancelled
		o.UpdatedAt = m.now()
		return nil
	}
	err := m.d.Broker.Cancel(ctx, clientOrderID)
	switch {
	case err == nil, errors.Is(err, broker.ErrAlreadyFilled), errors.Is(err, broker.ErrUnknownOrder):
	default:
		return fmt.Errorf("cancel %s: %w", clientOrderID, err)
	}

	st, qerr := m.d.Broker.Query(ctx, clientOrderID)
	if qerr == nil {
		if ev, ok := order.FromState(st, m.now()); ok {
			if _, aerr := m.apply(ctx, g, ev, false); aerr != nil {
				m.log.Warn("apply cancel state", zap.String("client_order_id", clientOrderID), zap.Error(aerr))
			}
		}
	}
	o = g.find(clientOrderID)
	if o.Status.Terminal() {
		return nil
	}
	if errors.Is(err, broker.ErrAlreadyFilled) {
		return fmt.Errorf("%w: %s filled but fill not yet seen", model.ErrTransientTransport, clientOrderID)
	}
	// Cancel accepted but not yet reflected. A later fill surfaces as a
	// conflict and orphans the group.
	o.Status = order.StatusCancelled
	o.UpdatedAt = m.now()
	return nil
}

// exit cancels every live leg and closes what remains open with a market
// EXIT order. An EXIT already in flight is left to finish.
func (m *Manager) exit(ctx context.Context, g *Group, reason string) error {
	if g.State.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "forced_exit"
	}
	g.ForceExit = true
	if g.ExitReason == "" {
		g.ExitReason = reason
	}
	if ex := g.lastExit(); ex != nil && !ex.Status.Terminal() {
		if ex.Status != order.StatusNew {
			return nil
		}
		if err := m.submit(ctx, g, ex.ClientOrderID); err != nil {
			return fmt.Errorf("forced exit of %s: %w", g.GroupID, err)
		}
		return nil
	}

	var errs []error
	ids := []string{g.Entry.ClientOrderID}
	if g.Stop != nil {
		ids = append(ids, g.Stop.ClientOrderID)
	}
	if g.Target != nil {
		ids = append(ids, g.Target.ClientOrderID)
	}
	for _, id := range ids {
		if err := m.cancelOrder(ctx, g, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("forced exit of %s: %w", g.GroupID, errors.Join(errs...))
	}

	open := g.OpenQty()
	if open < -qtyTolerance {
		g.ExitReason = "overfilled"
		m.transition(ctx, g, StateOrphaned, "overfilled")
		return fmt.Errorf("%w: group %s closed more than it opened", model.ErrInconsistent, g.GroupID)
	}
	if open <= qtyTolerance {
		m.settle(ctx, g)
		return nil
	}

	n := len(g.Exits) + 1
	ex := order.New(g.Fingerprint, g.GroupID, order.RoleExit, g.Symbol, exitSide(g.Side), broker.OrderTypeMarket, open, m.now())
	if n > 1 {
		ex.ClientOrderID = model.DeriveID(g.Fingerprint, fmt.Sprintf("%s:%d", order.RoleExit, n))
	}
	ex.Price = g.Entry.AvgFillPrice
	if m.d.Positions != nil {
		if mark, ok := m.d.Positions.Marks().Get(g.Symbol); ok && mark.Price > 0 {
			ex.Price = mark.Price
		}
	}
	g.Exits = append(g.Exits, ex)
	m.own(ex.ClientOrderID, g.GroupID)
	if err := m.save(ctx, g); err != nil {
		return err
	}
	if err := m.submit(ctx, g, ex.ClientOrderID); err != nil {
		m.incident(ctx, g, "exit_submit_failed", map[string]any{"client_order_id": ex.ClientOrderID, "error": err.Error()})
		return fmt.Errorf("forced exit of %s: %w", g.GroupID, err)
	}
	return nil
}
