// Package oco owns the entry/stop/target group state machine. All writes to
// orders, groups and positions go through the Manager.
package oco

import (
	"math"
	"time"

	"execution-core/internal/model"
	"execution-core/internal/order"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// State of an OCO group.
type State string

const (
	StatePending        State = "PENDING"
	StateEntrySubmitted State = "ENTRY_SUBMITTED"
	StateEntryFilled    State = "ENTRY_FILLED"
	StateChildrenActive State = "CHILDREN_ACTIVE"
	StateCompleted      State = "COMPLETED"
	StateCancelled      State = "CANCELLED"
	StateOrphaned       State = "ORPHANED"
	StateFlattened      State = "FLATTENED"
)

// TerminalStates lists states no automated action leaves.
var TerminalStates = []State{StateCompleted, StateCancelled, StateOrphaned, StateFlattened}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateOrphaned, StateFlattened:
		return true
	}
	return false
}

// Exit reasons recorded on groups.
const (
	ReasonChildSubmitFailed = "child_submit_failed"
	ReasonProtectionLost    = "protective_leg_lost"
	ReasonEntryFailed       = "entry_submit_failed"
	ReasonOperatorCancel    = "operator_cancel"
)

// Group is one entry with its protective children and any forced exits.
type Group struct {
	GroupID       string        `json:"group_id"`
	Fingerprint   string        `json:"fingerprint"`
	DecisionID    string        `json:"decision_id"`
	Symbol        string        `json:"symbol"`
	Side          model.Side    `json:"side"`
	Qty           float64       `json:"qty"`
	EntryPrice    float64       `json:"entry_price"`
	StopPrice     float64       `json:"stop_price"`
	TargetPrice   float64       `json:"target_price"`
	State         State         `json:"state"`
	ExitReason    string        `json:"exit_reason,omitempty"`
	ForceExit     bool          `json:"force_exit"`
	Entry         order.Order   `json:"entry"`
	Stop          *order.Order  `json:"stop,omitempty"`
	Target        *order.Order  `json:"target,omitempty"`
	Exits         []order.Order `json:"exits,omitempty"`
	EntryFilledAt time.Time     `json:"entry_filled_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (g *Group) clone() Group {
	c := *g
	if g.Stop != nil {
		s := *g.Stop
		c.Stop = &s
	}
	if g.Target != nil {
		t := *g.Target
		c.Target = &t
	}
	c.Exits = append([]order.Order(nil), g.Exits...)
	return c
}

// Orders returns every leg, entry first.
func (g *Group) Orders() []*order.Order {
	out := []*order.Order{&g.Entry}
	if g.Stop != nil {
		out = append(out, g.Stop)
	}
	if g.Target != nil {
		out = append(out, g.Target)
	}
	for i := range g.Exits {
		out = append(out, &g.Exits[i])
	}
	return out
}

func (g *Group) find(clientOrderID string) *order.Order {
	for _, o := range g.Orders() {
		if o.ClientOrderID == clientOrderID {
			return o
		}
	}
	return nil
}

func (g *Group) sibling(o *order.Order) *order.Order {
	switch o.Role {
	case order.RoleStop:
		return g.Target
	case order.RoleTarget:
		return g.Stop
	}
	return nil
}

func (g *Group) lastExit() *order.Order {
	if len(g.Exits) == 0 {
		return nil
	}
	return &g.Exits[len(g.Exits)-1]
}

// OpenQty is the position the group still carries at the venue.
func (g *Group) OpenQty() float64 {
	open := g.Entry.FilledQty
	for _, o := range g.Orders()[1:] {
		open -= o.FilledQty
	}
	if math.Abs(open) < 1e-9 {
		return 0
	}
	return open
}

// RiskAmount is the capital at risk if the stop is hit.
func (g *Group) RiskAmount() float64 {
	qty := g.Qty
	entry := g.EntryPrice
	if g.Entry.FilledQty > 0 {
		qty = g.OpenQty()
		entry = g.Entry.AvgFillPrice
	}
	return math.Abs(qty * (entry - g.StopPrice))
}

func exitSide(s model.Side) broker.Side {
	if s == model.SideLong {
		return broker.SideSell
	}
	return broker.SideBuy
}

func entrySide(s model.Side) broker.Side {
	if s == model.SideLong {
		return broker.SideBuy
	}
	return broker.SideSell
}

func terminalStrings() []string {
	out := make([]string, len(TerminalStates))
	for i, s := range TerminalStates {
		out[i] = string(s)
	}
	return out
}

func groupRow(g *Group) db.GroupRow {
	return db.GroupRow{
		GroupID:       g.GroupID,
		Fingerprint:   g.Fingerprint,
		DecisionID:    g.DecisionID,
		Symbol:        g.Symbol,
		Side:          string(g.Side),
		Qty:           g.Qty,
		EntryPrice:    g.EntryPrice,
		StopPrice:     g.StopPrice,
		TargetPrice:   g.TargetPrice,
		State:         string(g.State),
		ExitReason:    g.ExitReason,
		ForceExit:     g.ForceExit,
		EntryFilledAt: g.EntryFilledAt,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
	}
}

func orderRow(o *order.Order) db.OrderRow {
	return db.OrderRow{
		ClientOrderID: o.ClientOrderID,
		GroupID:       o.GroupID,
		Role:          string(o.Role),
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Qty:           o.Qty,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		Status:        string(o.Status),
		LastSeq:       o.LastSeq,
		BrokerOrderID: o.BrokerOrderID,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func fromOrderRow(r db.OrderRow) order.Order {
	return order.Order{
		ClientOrderID: r.ClientOrderID,
		GroupID:       r.GroupID,
		Role:          order.Role(r.Role),
		Symbol:        r.Symbol,
		Side:          broker.Side(r.Side),
		Type:          broker.OrderType(r.Type),
		Qty:           r.Qty,
		Price:         r.Price,
		StopPrice:     r.StopPrice,
		FilledQty:     r.FilledQty,
		AvgFillPrice:  r.AvgFillPrice,
		Status:        order.Status(r.Status),
		LastSeq:       r.LastSeq,
		BrokerOrderID: r.BrokerOrderID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func fromRows(g db.GroupRow, orders []db.OrderRow) Group {
	out := Group{
		GroupID:       g.GroupID,
		Fingerprint:   g.Fingerprint,
		DecisionID:    g.DecisionID,
		Symbol:        g.Symbol,
		Side:          model.Side(g.Side),
		Qty:           g.Qty,
		EntryPrice:    g.EntryPrice,
		StopPrice:     g.StopPrice,
		TargetPrice:   g.TargetPrice,
		State:         State(g.State),
		ExitReason:    g.ExitReason,
		ForceExit:     g.ForceExit,
		EntryFilledAt: g.EntryFilledAt,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
	}
	for _, r := range orders {
		o := fromOrderRow(r)
		switch o.Role {
		case order.RoleEntry:
			out.Entry = o
		case order.RoleStop:
			out.Stop = &o
		case order.RoleTarget:
			out.Target = &o
		case order.RoleExit:
			out.Exits = append(out.Exits, o)
		}
	}
	return out
}
