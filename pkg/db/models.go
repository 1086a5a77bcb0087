package db

import (
	"context"
	"fmt"
	"time"
)

// SignalRow is an inbound signal as received.
type SignalRow struct {
	SignalID    string
	StrategyID  string
	Symbol      string
	Side        string
	Timestamp   time.Time
	Fingerprint string
	Features    string // JSON
	ReceivedAt  time.Time
}

// DecisionRow is a persisted pipeline decision.
type DecisionRow struct {
	DecisionID    string
	SignalID      string
	Fingerprint   string
	Symbol        string
	Side          string
	Outcome       string
	Reason        string
	Sizing        string // JSON
	GroupID       string
	ConfigVersion string
	LeaseHolder   string
	CreatedAt     time.Time
}

// GroupRow is the persisted header of an OCO group.
type GroupRow struct {
	GroupID       string
	Fingerprint   string
	DecisionID    string
	Symbol        string
	Side          string
	Qty           float64
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	State         string
	ExitReason    string
	ForceExit     bool
	EntryFilledAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderRow is one leg of an OCO group.
type OrderRow struct {
	ClientOrderID string
	GroupID       string
	Role          string
	Symbol        string
	Side          string
	Type          string
	Qty           float64
	Price         float64
	StopPrice     float64
	FilledQty     float64
	AvgFillPrice  float64
	Status        string
	LastSeq       int64
	BrokerOrderID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PositionRow stores decimal amounts as strings to keep them exact.
type PositionRow struct {
	Symbol      string
	Qty         string
	AvgPrice    string
	RealizedPnL string
	UpdatedAt   time.Time
}

// AuditRow is one append-only audit entry. Seq is assigned by the store.
type AuditRow struct {
	Seq           int64
	ID            string
	Kind          string
	Timestamp     time.Time
	InstanceID    string
	ConfigVersion string
	SignalID      string
	DecisionID    string
	GroupID       string
	ClientOrderID string
	Outcome       string
	Reason        string
	Detail        string // JSON
}

// IncidentRow is an immutable incident snapshot.
type IncidentRow struct {
	ID            string
	Trigger       string
	CreatedAt     time.Time
	ConfigVersion string
	Payload       string // JSON
}

// BrokerEventInsert is the raw journal of broker events, written in batches.
const BrokerEventInsert = `INSERT INTO broker_events (client_order_id, type, seq, filled_qty, fill_price, reason, applied, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertSignal records a signal once; redelivery is ignored.
func (d *Database) InsertSignal(ctx context.Context, s SignalRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (signal_id, strategy_id, symbol, side, ts, fingerprint, features, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO NOTHING
	`, s.SignalID, s.StrategyID, s.Symbol, s.Side, nanos(s.Timestamp), s.Fingerprint, s.Features, nanos(s.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (d *Database) InsertDecision(ctx context.Context, r DecisionRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO decisions (decision_id, signal_id, fingerprint, symbol, side, outcome, reason, sizing, group_id, config_version, lease_holder, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.DecisionID, r.SignalID, r.Fingerprint, r.Symbol, r.Side, r.Outcome, r.Reason, r.Sizing, r.GroupID, r.ConfigVersion, r.LeaseHolder, nanos(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (d *Database) UpsertGroup(ctx context.Context, g GroupRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO oco_groups (group_id, fingerprint, decision_id, symbol, side, qty, entry_price, stop_price, target_price, state, exit_reason, force_exit, entry_filled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			qty = excluded.qty,
			state = excluded.state,
			exit_reason = excluded.exit_reason,
			force_exit = excluded.force_exit,
			entry_filled_at = excluded.entry_filled_at,
			updated_at = excluded.updated_at
	`, g.GroupID, g.Fingerprint, g.DecisionID, g.Symbol, g.Side, g.Qty, g.EntryPrice, g.StopPrice, g.TargetPrice,
		g.State, g.ExitReason, boolInt(g.ForceExit), nanos(g.EntryFilledAt), nanos(g.CreatedAt), nanos(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (d *Database) UpsertOrder(ctx context.Context, o OrderRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, group_id, role, symbol, side, type, qty, price, stop_price, filled_qty, avg_fill_price, status, last_seq, broker_order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			qty = excluded.qty,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			status = excluded.status,
			last_seq = excluded.last_seq,
			broker_order_id = excluded.broker_order_id,
			updated_at = excluded.updated_at
	`, o.ClientOrderID, o.GroupID, o.Role, o.Symbol, o.Side, o.Type, o.Qty, o.Price, o.StopPrice, o.FilledQty,
		o.AvgFillPrice, o.Status, o.LastSeq, o.BrokerOrderID, nanos(o.CreatedAt), nanos(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

func (d *Database) UpsertPosition(ctx context.Context, p PositionRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL, nanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// AddDailyRealized accumulates realized P&L for a session day.
func (d *Database) AddDailyRealized(ctx context.Context, day string, pnl float64, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_daily (day, realized_pnl, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			realized_pnl = risk_daily.realized_pnl + excluded.realized_pnl,
			updated_at = excluded.updated_at
	`, day, pnl, nanos(at))
	if err != nil {
		return fmt.Errorf("add daily realized: %w", err)
	}
	return nil
}

// AppendAudit inserts an audit entry and returns its sequence number.
func (d *Database) AppendAudit(ctx context.Context, a AuditRow) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_entries (id, kind, ts, instance_id, config_version, signal_id, decision_id, group_id, client_order_id, outcome, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Kind, nanos(a.Timestamp), a.InstanceID, a.ConfigVersion, a.SignalID, a.DecisionID, a.GroupID,
		a.ClientOrderID, a.Outcome, a.Reason, a.Detail)
	if err != nil {
		return 0, fmt.Errorf("append audit: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit seq: %w", err)
	}
	return seq, nil
}

func (d *Database) InsertIncident(ctx context.Context, r IncidentRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO incidents (id, trigger_kind, created_at, config_version, payload)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Trigger, nanos(r.CreatedAt), r.ConfigVersion, r.Payload)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}
