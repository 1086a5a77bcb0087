package oco

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"execution-core/internal/order"
	"execution-core/pkg/broker"
)

// RecoveryReport summarises a Recover run.
type RecoveryReport struct {
	Groups    int      `json:"groups"`
	Orphaned  int      `json:"orphaned"`
	Requeried int      `json:"requeried"`
	Resumed   int      `json:"resumed"`
	Failed    []string `json:"failed,omitempty"`
}

// Recover reloads every group left open by a previous run, re-registers its
// risk, asks the venue for the fate of every live leg and every journalled
// intent, and continues each group from where the venue says it is.
// Nothing is assumed failed just because the process stopped.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if m.d.DB == nil {
		return rep, nil
	}
	rows, err := m.d.DB.ListGroups(ctx, true, []string{string(StateCompleted), string(StateCancelled), string(StateFlattened)})
	if err != nil {
		return rep, fmt.Errorf("recover groups: %w", err)
	}

	pending := make(map[string]bool)
	if m.d.Journal != nil {
		for _, o := range m.d.Journal.Pending() {
			pending[o.ClientOrderID] = true
		}
	}

	for _, row := range rows {
		g, err := m.load(ctx, row.GroupID)
		if err != nil {
			return rep, err
		}
		rep.Groups++
		if m.d.Risk != nil {
			m.d.Risk.Restore(g.GroupID, g.Symbol, g.RiskAmount())
		}
		if g.State == StateOrphaned {
			rep.Orphaned++
			continue
		}
		n, err := m.recoverGroup(ctx, g.GroupID, pending)
		rep.Requeried += n
		if err != nil {
			rep.Failed = append(rep.Failed, g.GroupID)
			m.log.Error("group recovery incomplete", zap.String("group_id", g.GroupID), zap.Error(err))
			continue
		}
		rep.Resumed++
	}

	// Intents whose group is already closed only need their fate logged.
	for id := range pending {
		st, err := m.d.Broker.Query(ctx, id)
		if err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
			continue
		}
		rep.Requeried++
		m.log.Info("journalled intent resolved", zap.String("client_order_id", id), zap.String("status", string(st.Status)))
		m.complete(id)
	}

	m.log.Info("oco recovery finished",
		zap.Int("groups", rep.Groups),
		zap.Int("orphaned", rep.Orphaned),
		zap.Int("requeried", rep.Requeried),
		zap.Int("failed", len(rep.Failed)))
	return rep, nil
}

func (m *Manager) recoverGroup(ctx context.Context, groupID string, pending map[string]bool) (int, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, ok := m.get(groupID)
	if !ok {
		return 0, fmt.Errorf("group %s vanished during recovery", groupID)
	}

	var queried int
	ids := make([]string, 0, 4)
	for _, o := range g.Orders() {
		if o.Status.Live() || pending[o.ClientOrderID] {
			ids = append(ids, o.ClientOrderID)
		}
	}
	for _, id := range ids {
		st, err := m.d.Broker.Query(ctx, id)
		delete(pending, id)
		switch {
		case err == nil:
			queried++
			if ev, ok := order.FromState(st, m.now()); ok {
				if _, aerr := m.apply(ctx, &g, ev, false); aerr != nil {
					m.log.Warn("apply recovered state", zap.String("client_order_id", id), zap.Error(aerr))
				}
			}
		case errors.Is(err, broker.ErrUnknownOrder):
			queried++
			o := g.find(id)
			if o.Role == order.RoleEntry {
				o.Status = order.StatusCancelled
			} else if !o.Status.Terminal() {
				// Never reached the venue; the resume step places it again.
				o.Status = order.StatusNew
			}
		default:
			m.saveQuiet(ctx, &g)
			return queried, fmt.Errorf("query %s: %w", id, err)
		}
		m.complete(id)
	}

	if g.State != StateOrphaned {
		if g.ForceExit {
			if err := m.exit(ctx, &g, g.ExitReason); err != nil {
				m.saveQuiet(ctx, &g)
				return queried, err
			}
		} else {
			m.advance(ctx, &g, &g.Entry)
			for _, o := range []*order.Order{g.Stop, g.Target} {
				if o != nil && o.Status.Terminal() && !g.State.Terminal() {
					m.advance(ctx, &g, g.find(o.ClientOrderID))
				}
			}
		}
	}
	if err := m.save(ctx, &g); err != nil {
		return queried, err
	}
	return queried, nil
}
