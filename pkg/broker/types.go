package broker

import (
	"context"
	"errors"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the engine sends.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Live reports whether the order can still trade.
func (s OrderStatus) Live() bool {
	return s == StatusNew || s == StatusOpen || s == StatusPartial
}

// OrderRequest is an order intent. ClientOrderID doubles as the idempotency
// key: submitting the same id twice must yield one order at the venue.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // LIMIT
	StopPrice     float64 // STOP
	ReduceOnly    bool
}

// Ack is the venue acknowledgement of a submission.
type Ack struct {
	ClientOrderID string
	BrokerOrderID string
	Status        OrderStatus
	At            time.Time
}

// EventType is the kind of order update on the event stream.
type EventType string

const (
	EventAccepted  EventType = "ACCEPTED"
	EventPartial   EventType = "PARTIAL_FILL"
	EventFilled    EventType = "FILLED"
	EventCancelled EventType = "CANCELLED"
	EventRejected  EventType = "REJECTED"
)

// Event is one order update. Seq increases monotonically per ClientOrderID;
// FilledQty is cumulative and FillPrice is the average fill price so far.
type Event struct {
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Type          EventType `json:"type"`
	Seq           int64     `json:"seq"`
	FilledQty     float64   `json:"filled_qty"`
	FillPrice     float64   `json:"fill_price"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderState is the venue's current view of an order.
type OrderState struct {
	ClientOrderID string      `json:"client_order_id"`
	BrokerOrderID string      `json:"broker_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	Qty           float64     `json:"qty"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Seq           int64       `json:"seq"`
}

var (
	// ErrTimeout means the call may or may not have taken effect.
	ErrTimeout = errors.New("broker call timed out")
	// ErrUnavailable means the venue refused service; the call had no effect.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrRejected means the venue rejected the order permanently.
	ErrRejected = errors.New("order rejected by broker")
	// ErrUnknownOrder means the venue has no order with that client id.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrAlreadyFilled is returned by Cancel when the order filled first.
	ErrAlreadyFilled = errors.New("order already filled")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Adapter is the broker contract the engine depends on. Cancel of an order
// that is already cancelled returns nil.
type Adapter interface {
	Submit(ctx context.Context, req OrderRequest) (Ack, error)
	Cancel(ctx context.Context, clientOrderID string) error
	Query(ctx context.Context, clientOrderID string) (OrderState, error)
	OpenOrders(ctx context.Context) ([]OrderState, error)
	Positions(ctx context.Context) (map[string]float64, error)
	Events() <-chan Event
}
