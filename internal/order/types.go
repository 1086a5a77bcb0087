package order

import (
	"fmt"
	"time"

	"execution-core/internal/model"
	"execution-core/pkg/broker"
)

// Role is the part an order plays inside its OCO group.
type Role string

const (
	RoleEntry  Role = "ENTRY"
	RoleStop   Role = "STOP"
	RoleTarget Role = "TARGET"
	RoleExit   Role = "EXIT"
)

// Status is the engine's view of an order.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusSubmitted Status = "SUBMITTED"
	StatusOpen      Status = "OPEN"
	StatusPartial   Status = "PARTIALLY_FILLED"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Live reports whether the venue may still fill the order.
func (s Status) Live() bool {
	return s == StatusSubmitted || s == StatusOpen || s == StatusPartial
}

// Order is one leg of an OCO group.
type Order struct {
	ClientOrderID string           `json:"client_order_id"`
	GroupID       string           `json:"group_id"`
	Role          Role             `json:"role"`
	Symbol        string           `json:"symbol"`
	Side          broker.Side      `json:"side"`
	Type          broker.OrderType `json:"type"`
	Qty           float64          `json:"qty"`
	Price         float64          `json:"price,omitempty"`
	StopPrice     float64          `json:"stop_price,omitempty"`
	FilledQty     float64          `json:"filled_qty"`
	AvgFillPrice  float64          `json:"avg_fill_price"`
	Status        Status           `json:"status"`
	LastSeq       int64            `json:"last_seq"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// New builds an order whose client order id is derived from the group's
// fingerprint and the role, so every retry names the same order.
func New(fingerprint, groupID string, role Role, symbol string, side broker.Side, typ broker.OrderType, qty float64, now time.Time) Order {
	return Order{
		ClientOrderID: model.DeriveID(fingerprint, string(role)),
		GroupID:       groupID,
		Role:          role,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Qty:           qty,
		Status:        StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (o *Order) RemainingQty() float64 {
	return o.Qty - o.FilledQty
}

// Request converts the order into a broker submission.
func (o *Order) Request() broker.OrderRequest {
	return broker.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Qty,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		ReduceOnly:    o.Role != RoleEntry,
	}
}

// Outcome describes what applying an event did to an order.
type Outcome int

const (
	// Applied means the order changed state.
	Applied Outcome = iota
	// Stale means the event's sequence was not newer than the last applied one.
	Stale
	// Ignored means the order is already terminal and the event is compatible.
	Ignored
)

// Apply folds a broker event into the order. Events must carry a sequence
// number greater than the last applied one; older events are reported Stale
// and leave the order untouched. The returned delta is the newly filled
// quantity. A fill reported after the order was seen cancelled is still
// folded in, since the venue executed it, and comes back with ErrConflict.
func (o *Order) Apply(ev broker.Event, now time.Time) (Outcome, float64, error) {
	if ev.ClientOrderID != o.ClientOrderID {
		return Ignored, 0, fmt.Errorf("%w: event for %s applied to %s", model.ErrConflict, ev.ClientOrderID, o.ClientOrderID)
	}
	if ev.Seq <= o.LastSeq {
		return Stale, 0, nil
	}
	if o.Status.Terminal() {
		o.LastSeq = ev.Seq
		isFill := ev.Type == broker.EventFilled || ev.Type == broker.EventPartial
		if o.Status == StatusFilled || !isFill {
			return Ignored, 0, nil
		}
		prev := o.Status
		delta := o.foldFill(ev)
		if ev.Type == broker.EventFilled {
			o.Status = StatusFilled
		}
		o.UpdatedAt = now
		return Applied, delta, fmt.Errorf("%w: fill after %s on %s", model.ErrConflict, prev, o.ClientOrderID)
	}

	var delta float64
	switch ev.Type {
	case broker.EventAccepted:
		if o.Status == StatusNew || o.Status == StatusSubmitted {
			o.Status = StatusOpen
		}
	case broker.EventPartial, broker.EventFilled:
		delta = o.foldFill(ev)
		if ev.Type == broker.EventFilled {
			o.Status = StatusFilled
		} else {
			o.Status = StatusPartial
		}
	case broker.EventCancelled:
		delta = o.foldFill(ev)
		o.Status = StatusCancelled
	case broker.EventRejected:
		o.Status = StatusRejected
	default:
		return Ignored, 0, fmt.Errorf("%w: unknown event type %q", model.ErrConflict, ev.Type)
	}
	if ev.BrokerOrderID != "" {
		o.BrokerOrderID = ev.BrokerOrderID
	}
	o.LastSeq = ev.Seq
	o.UpdatedAt = now
	return Applied, delta, nil
}

// foldFill applies a cumulative fill report and returns the new quantity.
func (o *Order) foldFill(ev broker.Event) float64 {
	if ev.FilledQty <= o.FilledQty {
		return 0
	}
	delta := ev.FilledQty - o.FilledQty
	o.FilledQty = ev.FilledQty
	o.AvgFillPrice = ev.FillPrice
	return delta
}

// FromState builds a synthetic event that moves o to the venue's reported
// state. Used when recovering after a crash or an ambiguous timeout.
func FromState(st broker.OrderState, at time.Time) (broker.Event, bool) {
	ev := broker.Event{
		ClientOrderID: st.ClientOrderID,
		BrokerOrderID: st.BrokerOrderID,
		Seq:           st.Seq,
		FilledQty:     st.FilledQty,
		FillPrice:     st.AvgPrice,
		Timestamp:     at,
	}
	switch st.Status {
	case broker.StatusOpen, broker.StatusNew:
		ev.Type = broker.EventAccepted
	case broker.StatusPartial:
		ev.Type = broker.EventPartial
	case broker.StatusFilled:
		ev.Type = broker.EventFilled
	case broker.StatusCancelled:
		ev.Type = broker.EventCancelled
	case broker.StatusRejected:
		ev.Type = broker.EventRejected
	default:
		return ev, false
	}
	return ev, true
}
