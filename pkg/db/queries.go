package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

const orderColumns = `client_order_id, group_id, role, symbol, side, type, qty, price, stop_price, filled_qty,
	avg_fill_price, status, last_seq, COALESCE(broker_order_id, ''), created_at, updated_at`

const groupColumns = `group_id, fingerprint, decision_id, symbol, side, qty, entry_price, stop_price, target_price,
	state, COALESCE(exit_reason, ''), force_exit, entry_filled_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (OrderRow, error) {
	var (
		o                OrderRow
		created, updated int64
	)
	err := s.Scan(&o.ClientOrderID, &o.GroupID, &o.Role, &o.Symbol, &o.Side, &o.Type, &o.Qty, &o.Price,
		&o.StopPrice, &o.FilledQty, &o.AvgFillPrice, &o.Status, &o.LastSeq, &o.BrokerOrderID, &created, &updated)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return o, err
}

func scanGroup(s scanner) (GroupRow, error) {
	var (
		g                        GroupRow
		force                    int
		filled, created, updated int64
	)
	err := s.Scan(&g.GroupID, &g.Fingerprint, &g.DecisionID, &g.Symbol, &g.Side, &g.Qty, &g.EntryPrice,
		&g.StopPrice, &g.TargetPrice, &g.State, &g.ExitReason, &force, &filled, &created, &updated)
	g.ForceExit = force != 0
	g.EntryFilledAt = fromNanos(filled)
	g.CreatedAt = fromNanos(created)
	g.UpdatedAt = fromNanos(updated)
	return g, err
}

// GetDecision returns ErrNotFound when decisionID is unknown.
func (d *Database) GetDecision(ctx context.Context, decisionID string) (DecisionRow, error) {
	var (
		r       DecisionRow
		created int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT decision_id, signal_id, fingerprint, symbol, side, outcome, reason, COALESCE(sizing, ''),
			COALESCE(group_id, ''), config_version, COALESCE(lease_holder, ''), created_at
		FROM decisions WHERE decision_id = ?
	`, decisionID).Scan(&r.DecisionID, &r.SignalID, &r.Fingerprint, &r.Symbol, &r.Side, &r.Outcome, &r.Reason,
		&r.Sizing, &r.GroupID, &r.ConfigVersion, &r.LeaseHolder, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("query decision: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	return r, nil
}

// CountDecisions returns how many decisions were recorded for fingerprint.
func (d *Database) CountDecisions(ctx context.Context, fingerprint string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

// ListGroups returns groups; openOnly excludes terminal states.
func (d *Database) ListGroups(ctx context.Context, openOnly bool, terminal []string) ([]GroupRow, error) {
	query := `SELECT ` + groupColumns + ` FROM oco_groups`
	args := make([]any, 0, len(terminal))
	if openOnly && len(terminal) > 0 {
		query += ` WHERE state NOT IN (?` + repeatPlaceholders(len(terminal)-1) + `)`
		for _, s := range terminal {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []GroupRow
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func (d *Database) GetGroup(ctx context.Context, groupID string) (GroupRow, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM oco_groups WHERE group_id = ?`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, fmt.Errorf("query group: %w", err)
	}
	return g, nil
}

func (d *Database) ListOrdersByGroup(ctx context.Context, groupID string) ([]OrderRow, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE group_id = ? ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (OrderRow, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

func (d *Database) ListPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT symbol, qty, avg_price, realized_pnl, updated_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var (
			p  PositionRow
			at int64
		)
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &at); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.UpdatedAt = fromNanos(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DailyRealized returns 0 for a day with no closed trades.
func (d *Database) DailyRealized(ctx context.Context, day string) (float64, error) {
	var pnl float64
	err := d.DB.QueryRowContext(ctx, `SELECT realized_pnl FROM risk_daily WHERE day = ?`, day).Scan(&pnl)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query daily realized: %w", err)
	}
	return pnl, nil
}

// RecentAudit returns the newest entries first.
func (d *Database) RecentAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, id, kind, ts, instance_id, config_version, COALESCE(signal_id, ''), COALESCE(decision_id, ''),
			COALESCE(group_id, ''), COALESCE(client_order_id, ''), COALESCE(outcome, ''), COALESCE(reason, ''),
			COALESCE(detail, '')
		FROM audit_entries ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			a  AuditRow
			ts int64
		)
		if err := rows.Scan(&a.Seq, &a.ID, &a.Kind, &ts, &a.InstanceID, &a.ConfigVersion, &a.SignalID, &a.DecisionID,
			&a.GroupID, &a.ClientOrderID, &a.Outcome, &a.Reason, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Timestamp = fromNanos(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAudit counts entries, optionally filtered by kind.
func (d *Database) CountAudit(ctx context.Context, kind string) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	} else {
		err = d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func (d *Database) RecentIncidents(ctx context.Context, limit int) ([]IncidentRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, trigger_kind, created_at, config_version, payload
		FROM incidents ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentRow
	for rows.Next() {
		var (
			r  IncidentRow
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &at, &r.ConfigVersion, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		r.CreatedAt = fromNanos(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountBrokerEvents is used by tests and the state endpoint.
func (d *Database) CountBrokerEvents(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM broker_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count broker events: %w", err)
	}
	return n, nil
}
