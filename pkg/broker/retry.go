package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy is the single retry policy for every broker-facing call.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, AttemptTimeout: 3 * time.Second}
}

// Backoff returns the jittered delay before retry n (0-based): half of the
// capped exponential step plus a random share of the other half.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := p.BaseDelay * time.Duration(1<<n)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Observer receives per-call telemetry.
type Observer interface {
	ObserveBrokerCall(op string, latency time.Duration, err error)
	ObserveBrokerRetry(op string)
}

// Retrying wraps an Adapter with bounded, jittered retries. Every attempt
// reuses the caller's client order id. Before a mutating call is retried
// after an ambiguous failure, the venue is queried for the order's actual
// state and the retry is skipped if the first attempt took effect.
type Retrying struct {
	inner    Adapter
	policy   RetryPolicy
	limiter  *rate.Limiter
	observer Observer
}

func NewRetrying(inner Adapter, policy RetryPolicy, limiter *rate.Limiter, obs Observer) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrying{inner: inner, policy: policy, limiter: limiter, observer: obs}
}

func (r *Retrying) Events() <-chan Event { return r.inner.Events() }

func ambiguous(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Retrying) Submit(ctx context.Context, req OrderRequest) (Ack, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if ambiguous(lastErr) {
				if st, err := r.queryOnce(ctx, req.ClientOrderID); err == nil && st.Status != StatusUnknown {
					return Ack{ClientOrderID: st.ClientOrderID, BrokerOrderID: st.BrokerOrderID, Status: st.Status, At: time.Now()}, nil
				}
			}
			if err := r.wait(ctx, "submit", attempt-1); err != nil {
				return Ack{}, fmt.Errorf("submit %s: %w (last error: %v)", req.ClientOrderID, err, lastErr)
			}
		}
		var ack Ack
		err := r.call(ctx, "submit", func(c context.Context) error {
			var e error
			ack, e = r.inner.Submit(c, req)
			return e
		})
		if err == nil {
			return ack, nil
		}
		if !Transient(err) {
			return Ack{}, err
		}
		lastErr = err
	}
	return Ack{}, fmt.Errorf("submit %s after %d attempts: %w", req.ClientOrderID, r.policy.MaxAttempts, lastErr)
}

func (r *Retrying) Cancel(ctx context.Context, clientOrderID string) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if ambiguous(lastErr) {
				st, err := r.queryOnce(ctx, clientOrderID)
				switch {
				case errors.Is(err, ErrUnknownOrder):
					return ErrUnknownOrder
				case err == nil && st.Status == StatusFilled:
					return ErrAlreadyFilled
				case err == nil && st.Status.Terminal():
					return nil
				}
			}
			if err := r.wait(ctx, "cancel", attempt-1); err != nil {
				return fmt.Errorf("cancel %s: %w (last error: %v)", clientOrderID, err, lastErr)
			}
		}
		err := r.call(ctx, "cancel", func(c context.Context) error {
			return r.inner.Cancel(c, clientOrderID)
		})
		if err == nil || !Transient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("cancel %s after %d attempts: %w", clientOrderID, r.policy.MaxAttempts, lastErr)
}

func (r *Retrying) Query(ctx context.Context, clientOrderID string) (OrderState, error) {
	var st OrderState
	err := r.readLoop(ctx, "query", func(c context.Context) error {
		var e error
		st, e = r.inner.Query(c, clientOrderID)
		return e
	})
	return st, err
}

func (r *Retrying) OpenOrders(ctx context.Context) ([]OrderState, error) {
	var out []OrderState
	err := r.readLoop(ctx, "open_orders", func(c context.Context) error {
		var e error
		out, e = r.inner.OpenOrders(c)
		return e
	})
	return out, err
}

func (r *Retrying) Positions(ctx context.Context) (map[string]float64, error) {
	var out map[string]float64
	err := r.readLoop(ctx, "positions", func(c context.Context) error {
		var e error
		out, e = r.inner.Positions(c)
		return e
	})
	return out, err
}

func (r *Retrying) readLoop(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, op, attempt-1); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
		}
		err := r.call(ctx, op, fn)
		if err == nil || !Transient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s after %d attempts: %w", op, r.policy.MaxAttempts, lastErr)
}

func (r *Retrying) queryOnce(ctx context.Context, clientOrderID string) (OrderState, error) {
	var st OrderState
	err := r.call(ctx, "query", func(c context.Context) error {
		var e error
		st, e = r.inner.Query(c, clientOrderID)
		return e
	})
	return st, err
}

// call runs one attempt under the rate limiter and the per-attempt timeout.
// An attempt that runs out of its own budget while the caller's context is
// still alive is reported as ErrTimeout.
func (r *Retrying) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	attemptCtx := ctx
	cancel := func() {}
	if r.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if r.observer != nil {
		r.observer.ObserveBrokerCall(op, time.Since(start), err)
	}
	return err
}

func (r *Retrying) wait(ctx context.Context, op string, n int) error {
	if r.observer != nil {
		r.observer.ObserveBrokerRetry(op)
	}
	t := time.NewTimer(r.policy.Backoff(n))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
