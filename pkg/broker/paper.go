package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Paper is an in-process venue used for PAPER mode and tests. It honours
// client order ids as idempotency keys, fills MARKET orders at the last mark
// and triggers resting LIMIT/STOP orders as marks move.
type Paper struct {
	mu        sync.Mutex
	orders    map[string]*paperOrder
	marks     map[string]float64
	positions map[string]float64
	nextID    int64
	events    chan Event
	dropped   atomic.Uint64
	now       func() time.Time

	submitHook func(ctx context.Context, req OrderRequest) error
	cancelHook func(ctx context.Context, clientOrderID string) error
	autoFill   bool
}

type paperOrder struct {
	req   OrderRequest
	state OrderState
}

// NewPaper creates a paper venue whose event stream buffers up to buffer events.
func NewPaper(buffer int, now func() time.Time) *Paper {
	if buffer <= 0 {
		buffer = 4096
	}
	if now == nil {
		now = time.Now
	}
	return &Paper{
		orders:    make(map[string]*paperOrder),
		marks:     make(map[string]float64),
		positions: make(map[string]float64),
		events:    make(chan Event, buffer),
		now:       now,
		autoFill:  true,
	}
}

// SetSubmitHook installs fn to run before every Submit. A non-nil error is
// returned to the caller and the order is not created.
func (p *Paper) SetSubmitHook(fn func(ctx context.Context, req OrderRequest) error) {
	p.mu.Lock()
	p.submitHook = fn
	p.mu.Unlock()
}

// SetCancelHook installs fn to run before every Cancel.
func (p *Paper) SetCancelHook(fn func(ctx context.Context, clientOrderID string) error) {
	p.mu.Lock()
	p.cancelHook = fn
	p.mu.Unlock()
}

// SetAutoFill controls whether MARKET orders fill on submission.
func (p *Paper) SetAutoFill(on bool) {
	p.mu.Lock()
	p.autoFill = on
	p.mu.Unlock()
}

// Dropped counts events lost because the stream buffer was full.
func (p *Paper) Dropped() uint64 { return p.dropped.Load() }

func (p *Paper) Events() <-chan Event { return p.events }

func (p *Paper) Submit(ctx context.Context, req OrderRequest) (Ack, error) {
	p.mu.Lock()
	hook := p.submitHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return Ack{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	if req.ClientOrderID == "" || req.Qty <= 0 {
		return Ack{}, fmt.Errorf("%w: client order id and positive qty required", ErrRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return Ack{
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: existing.state.BrokerOrderID,
			Status:        existing.state.Status,
			At:            p.now(),
		}, nil
	}

	p.nextID++
	o := &paperOrder{
		req: req,
		state: OrderState{
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: fmt.Sprintf("P%08d", p.nextID),
			Symbol:        req.Symbol,
			Side:          req.Side,
			Status:        StatusOpen,
			Qty:           req.Qty,
		},
	}
	p.orders[req.ClientOrderID] = o
	p.emitLocked(o, EventAccepted, "")

	mark, hasMark := p.marks[req.Symbol]
	switch req.Type {
	case OrderTypeMarket:
		if p.autoFill {
			price := mark
			if !hasMark {
				price = req.Price
			}
			if price <= 0 {
				p.rejectLocked(o, "no mark price")
				break
			}
			p.fillLocked(o, o.state.Qty, price)
		}
	default:
		if hasMark {
			p.triggerLocked(o, mark)
		}
	}

	return Ack{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: o.state.BrokerOrderID,
		Status:        o.state.Status,
		At:            p.now(),
	}, nil
}

func (p *Paper) Cancel(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	hook := p.cancelHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, clientOrderID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	switch o.state.Status {
	case StatusFilled:
		return ErrAlreadyFilled
	case StatusCancelled, StatusRejected:
		return nil
	}
	o.state.Status = StatusCancelled
	p.emitLocked(o, EventCancelled, "")
	return nil
}

func (p *Paper) Query(ctx context.Context, clientOrderID string) (OrderState, error) {
	if err := ctx.Err(); err != nil {
		return OrderState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return OrderState{ClientOrderID: clientOrderID, Status: StatusUnknown}, ErrUnknownOrder
	}
	return o.state, nil
}

func (p *Paper) OpenOrders(ctx context.Context) ([]OrderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderState, 0)
	for _, o := range p.orders {
		if o.state.Status.Live() {
			out = append(out, o.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out, nil
}

func (p *Paper) Positions(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.positions))
	for sym, qty := range p.positions {
		if qty != 0 {
			out[sym] = qty
		}
	}
	return out, nil
}

// SetMark records a price and triggers any resting orders it crosses.
func (p *Paper) SetMark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price

	ids := make([]string, 0)
	for id, o := range p.orders {
		if o.req.Symbol == symbol && o.req.Type != OrderTypeMarket && o.state.Status.Live() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.triggerLocked(p.orders[id], price)
	}
}

// Fill completes a live order at price.
func (p *Paper) Fill(clientOrderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	if !o.state.Status.Live() {
		return fmt.Errorf("order %s is %s", clientOrderID, o.state.Status)
	}
	p.fillLocked(o, o.state.Qty-o.state.FilledQty, price)
	return nil
}

// PartialFill fills qty of a live order at price.
func (p *Paper) PartialFill(clientOrderID string, qty, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	if !o.state.Status.Live() {
		return fmt.Errorf("order %s is %s", clientOrderID, o.state.Status)
	}
	remaining := o.state.Qty - o.state.FilledQty
	if qty >= remaining {
		qty = remaining
	}
	p.fillLocked(o, qty, price)
	return nil
}

// Reject rejects a live order asynchronously, as a venue might after ack.
func (p *Paper) Reject(clientOrderID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	p.rejectLocked(o, reason)
	return nil
}

func (p *Paper) triggerLocked(o *paperOrder, mark float64) {
	req := o.req
	var hit bool
	switch req.Type {
	case OrderTypeLimit:
		hit = (req.Side == SideBuy && mark <= req.Price) || (req.Side == SideSell && mark >= req.Price)
	case OrderTypeStop:
		hit = (req.Side == SideSell && mark <= req.StopPrice) || (req.Side == SideBuy && mark >= req.StopPrice)
	}
	if hit {
		p.fillLocked(o, o.state.Qty-o.state.FilledQty, mark)
	}
}

func (p *Paper) fillLocked(o *paperOrder, qty, price float64) {
	if qty <= 0 {
		return
	}
	prev := o.state.FilledQty
	o.state.FilledQty += qty
	o.state.AvgPrice = (o.state.AvgPrice*prev + price*qty) / o.state.FilledQty

	signed := qty
	if o.req.Side == SideSell {
		signed = -qty
	}
	p.positions[o.req.Symbol] += signed

	if o.state.FilledQty >= o.state.Qty {
		o.state.Status = StatusFilled
		p.emitLocked(o, EventFilled, "")
		return
	}
	o.state.Status = StatusPartial
	p.emitLocked(o, EventPartial, "")
}

func (p *Paper) rejectLocked(o *paperOrder, reason string) {
	if o.state.Status.Terminal() {
		return
	}
	o.state.Status = StatusRejected
	p.emitLocked(o, EventRejected, reason)
}

func (p *Paper) emitLocked(o *paperOrder, typ EventType, reason string) {
	o.state.Seq++
	ev := Event{
		ClientOrderID: o.state.ClientOrderID,
		BrokerOrderID: o.state.BrokerOrderID,
		Type:          typ,
		Seq:           o.state.Seq,
		FilledQty:     o.state.FilledQty,
		FillPrice:     o.state.AvgPrice,
		Reason:        reason,
		Timestamp:     p.now(),
	}
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}
