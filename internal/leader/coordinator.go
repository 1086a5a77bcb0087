// Package leader elects the single instance allowed to open new positions.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/model"
	"execution-core/pkg/clock"
)

var (
	// ErrDenied means another instance holds a valid lease.
	ErrDenied = errors.New("lease held by another instance")
	// ErrExpired means our lease lapsed or was taken over.
	ErrExpired = fmt.Errorf("lease expired: %w", model.ErrLeadershipLost)
)

// Options configure a Coordinator.
type Options struct {
	Name        string
	InstanceID  string
	TTL         time.Duration
	RenewEvery  time.Duration
	CallTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

// ChangeFunc is called when leadership is gained or lost.
type ChangeFunc func(held bool, st model.LeaseState, cause error)

// Coordinator holds the local view of the lease. IsLeader reads the clock
// against the held expiry, so a stalled renew loop loses leadership at
// expires_at without anyone telling it.
type Coordinator struct {
	store Store
	opts  Options
	clock clock.Clock
	log   *zap.Logger

	mu       sync.RWMutex
	lease    model.LeaseState
	reported bool // last leadership value passed to listeners

	listenersMu sync.Mutex
	listeners   []ChangeFunc
}

func New(store Store, opts Options) *Coordinator {
	if opts.Name == "" {
		opts.Name = "execution-core"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.TTL {
		opts.RenewEvery = opts.TTL / 3
	}
	if opts.CallTimeout <= 0 || opts.CallTimeout >= opts.TTL {
		opts.CallTimeout = opts.TTL / 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		store: store,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
		lease: model.LeaseState{InstanceID: opts.InstanceID},
	}
}

// OnChange registers a leadership listener.
func (c *Coordinator) OnChange(fn ChangeFunc) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Coordinator) InstanceID() string { return c.opts.InstanceID }

// State returns the lease as last confirmed by the store.
func (c *Coordinator) State() model.LeaseState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lease
}

// IsLeader reports whether the held lease is still valid right now.
func (c *Coordinator) IsLeader() bool {
	return c.State().Valid(c.clock.Now())
}

func (c *Coordinator) set(l Lease, held bool) model.LeaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lease = model.LeaseState{
		InstanceID: c.opts.InstanceID,
		Held:       held,
		ExpiresAt:  l.ExpiresAt,
		RenewedAt:  l.RenewedAt,
		Fencing:    l.Fencing,
	}
	return c.lease
}

func (c *Coordinator) drop() model.LeaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lease.Held = false
	return c.lease
}

// Acquire takes the lease or returns ErrDenied.
func (c *Coordinator) Acquire(ctx context.Context) (model.LeaseState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	now := c.clock.Now()
	l, ok, err := c.store.Acquire(ctx, c.opts.Name, c.opts.InstanceID, now, c.opts.TTL)
	if err != nil {
		c.notify(nil)
		return c.State(), fmt.Errorf("acquire: %w: %w", model.ErrTransientTransport, err)
	}
	if !ok {
		st := c.drop()
		c.notify(nil)
		return st, fmt.Errorf("%w: %s until %s", ErrDenied, l.InstanceID, l.ExpiresAt.Format(time.RFC3339Nano))
	}
	st := c.set(l, true)
	c.notify(nil)
	return st, nil
}

// Renew extends the held lease or returns ErrExpired. A lease that already
// lapsed locally is never renewed, even if the store would still accept it.
func (c *Coordinator) Renew(ctx context.Context) (model.LeaseState, error) {
	now := c.clock.Now()
	if !c.State().Valid(now) {
		st := c.drop()
		c.notify(ErrExpired)
		return st, ErrExpired
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	l, ok, err := c.store.Renew(ctx, c.opts.Name, c.opts.InstanceID, now, c.opts.TTL)
	if err != nil {
		// Keep the current expiry; IsLeader flips on its own if this persists.
		c.log.Warn("lease renew failed", zap.Error(err))
		c.notify(nil)
		return c.State(), fmt.Errorf("renew: %w: %w", model.ErrTransientTransport, err)
	}
	if !ok {
		st := c.drop()
		c.notify(ErrExpired)
		return st, ErrExpired
	}
	st := c.set(l, true)
	c.notify(nil)
	return st, nil
}

// Release gives the lease up so a standby can take over without waiting.
func (c *Coordinator) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	st := c.drop()
	err := c.store.Release(ctx, c.opts.Name, c.opts.InstanceID)
	c.notify(nil)
	if err != nil {
		return err
	}
	c.log.Info("lease released", zap.Int64("fencing", st.Fencing))
	return nil
}

// Step runs one acquire-or-renew round.
func (c *Coordinator) Step(ctx context.Context) error {
	if c.State().Held {
		_, err := c.Renew(ctx)
		if !errors.Is(err, ErrExpired) {
			return err
		}
	}
	_, err := c.Acquire(ctx)
	return err
}

// Run drives the lease until ctx is done, then releases it.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		if err := c.Step(ctx); err != nil && !errors.Is(err, ErrDenied) {
			c.log.Warn("lease step", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			if c.State().Held {
				relCtx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
				if err := c.Release(relCtx); err != nil {
					c.log.Warn("lease release on shutdown", zap.Error(err))
				}
				cancel()
			}
			return
		case <-c.clock.After(c.opts.RenewEvery):
		}
	}
}

// Watch re-evaluates IsLeader on a short cadence so listeners hear about a
// lapsed lease at expiry even while a store call is stuck.
func (c *Coordinator) Watch(ctx context.Context, every time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(every):
			c.notify(nil)
		}
	}
}

func (c *Coordinator) notify(cause error) {
	st := c.State()
	held := st.Valid(c.clock.Now())

	c.mu.Lock()
	changed := held != c.reported
	c.reported = held
	c.mu.Unlock()
	if !changed {
		return
	}
	if held {
		c.log.Info("leadership acquired", zap.Int64("fencing", st.Fencing), zap.Time("expires_at", st.ExpiresAt))
	} else {
		if cause == nil {
			cause = ErrExpired
		}
		c.log.Warn("leadership lost", zap.Error(cause), zap.Time("expires_at", st.ExpiresAt))
	}

	c.listenersMu.Lock()
	listeners := append([]ChangeFunc(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(held, st, cause)
	}
}
