package order

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/broker"
)

// Handler applies one broker event.
type Handler func(ctx context.Context, ev broker.Event) error

// Dispatcher fans broker events out to a fixed set of lanes. Events for one
// client order id always land on the same lane and are handled in arrival
// order; unrelated orders proceed in parallel.
type Dispatcher struct {
	lanes   []chan broker.Event
	handler Handler
	log     *zap.Logger
	wg      sync.WaitGroup
	onEvent func(broker.Event)

	mu      sync.Mutex
	handled uint64
	failed  uint64
	latency time.Duration
}

// NewDispatcher creates lanes workers, each with a buffer of depth events.
func NewDispatcher(lanes, depth int, handler Handler, log *zap.Logger) *Dispatcher {
	if lanes <= 0 {
		lanes = 4
	}
	if depth <= 0 {
		depth = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{lanes: make([]chan broker.Event, lanes), handler: handler, log: log}
	for i := range d.lanes {
		d.lanes[i] = make(chan broker.Event, depth)
	}
	return d
}

// OnEvent registers a callback invoked for every event as it is received,
// before it is queued. Used for heartbeats and the raw event journal.
func (d *Dispatcher) OnEvent(fn func(broker.Event)) {
	d.onEvent = fn
}

func (d *Dispatcher) lane(id string) chan broker.Event {
	h := fnv.New32a()
	h.Write([]byte(id))
	return d.lanes[h.Sum32()%uint32(len(d.lanes))]
}

// Run consumes source until ctx is done or source closes, then waits for
// the lanes to drain.
func (d *Dispatcher) Run(ctx context.Context, source <-chan broker.Event) {
	for i := range d.lanes {
		d.wg.Add(1)
		go d.work(ctx, d.lanes[i])
	}
	defer func() {
		for _, ch := range d.lanes {
			close(ch)
		}
		d.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			if d.onEvent != nil {
				d.onEvent(ev)
			}
			select {
			case d.lane(ev.ClientOrderID) <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan broker.Event) {
	defer d.wg.Done()
	for ev := range ch {
		start := time.Now()
		err := d.handler(ctx, ev)
		d.mu.Lock()
		d.handled++
		d.latency = time.Since(start)
		if err != nil {
			d.failed++
		}
		d.mu.Unlock()
		if err != nil {
			d.log.Warn("broker event handling failed",
				zap.String("client_order_id", ev.ClientOrderID),
				zap.String("type", string(ev.Type)),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
		}
	}
}

// Stats returns handled and failed counts and the last handling latency.
func (d *Dispatcher) Stats() (handled, failed uint64, last time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handled, d.failed, d.latency
}
