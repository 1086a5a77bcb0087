package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flaky reports ErrTimeout for the first n submits after letting them reach
// the venue, which is the ambiguous case the retry wrapper must resolve by
// querying.
type flaky struct {
	*Paper
	mu          sync.Mutex
	timeouts    int
	unavailable int
	submits     int
}

func (f *flaky) Submit(ctx context.Context, req OrderRequest) (Ack, error) {
	f.mu.Lock()
	f.submits++
	unavailable := f.unavailable > 0
	if unavailable {
		f.unavailable--
	}
	timeout := !unavailable && f.timeouts > 0
	if timeout {
		f.timeouts--
	}
	f.mu.Unlock()

	if unavailable {
		return Ack{}, ErrUnavailable
	}
	ack, err := f.Paper.Submit(ctx, req)
	if timeout {
		return Ack{}, ErrTimeout
	}
	return ack, err
}

type countingObserver struct {
	mu      sync.Mutex
	retries map[string]int
	calls   int
}

func (c *countingObserver) ObserveBrokerCall(string, time.Duration, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingObserver) ObserveBrokerRetry(op string) {
	c.mu.Lock()
	if c.retries == nil {
		c.retries = map[string]int{}
	}
	c.retries[op]++
	c.mu.Unlock()
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, AttemptTimeout: time.Second}
}

func TestRetryingRequeriesAfterTimeout(t *testing.T) {
	venue := &flaky{Paper: NewPaper(64, nil), timeouts: 1}
	venue.SetMark("NIFTY", 100)
	obs := &countingObserver{}
	r := NewRetrying(venue, fastPolicy(), nil, obs)

	ack, err := r.Submit(context.Background(), OrderRequest{ClientOrderID: "c1", Symbol: "NIFTY", Side: SideBuy, Type: OrderTypeMarket, Qty: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.Status != StatusFilled {
		t.Fatalf("ack=%+v", ack)
	}
	if venue.submits != 1 {
		t.Fatalf("order was resubmitted after an ambiguous timeout: %d submits", venue.submits)
	}
}

func TestRetryingRetriesUnavailable(t *testing.T) {
	venue := &flaky{Paper: NewPaper(64, nil), unavailable: 2}
	venue.SetMark("NIFTY", 100)
	obs := &countingObserver{}
	r := NewRetrying(venue, fastPolicy(), nil, obs)

	if _, err := r.Submit(context.Background(), OrderRequest{ClientOrderID: "c2", Symbol: "NIFTY", Side: SideBuy, Type: OrderTypeMarket, Qty: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if venue.submits != 3 {
		t.Fatalf("submits=%d, want 3", venue.submits)
	}
	if obs.retries["submit"] != 2 {
		t.Fatalf("retries=%v", obs.retries)
	}
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	venue := &flaky{Paper: NewPaper(64, nil), unavailable: 10}
	r := NewRetrying(venue, fastPolicy(), nil, nil)

	_, err := r.Submit(context.Background(), OrderRequest{ClientOrderID: "c3", Symbol: "NIFTY", Side: SideBuy, Type: OrderTypeMarket, Qty: 1})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if venue.submits != 4 {
		t.Fatalf("submits=%d, want 4", venue.submits)
	}
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	venue := NewPaper(8, nil)
	calls := 0
	venue.SetSubmitHook(func(context.Context, OrderRequest) error {
		calls++
		return ErrRejected
	})
	r := NewRetrying(venue, fastPolicy(), nil, nil)
	if _, err := r.Submit(context.Background(), OrderRequest{ClientOrderID: "c4", Symbol: "X", Side: SideBuy, Type: OrderTypeMarket, Qty: 1}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestRetryingAttemptTimeoutBecomesErrTimeout(t *testing.T) {
	venue := NewPaper(8, nil)
	venue.SetCancelHook(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.AttemptTimeout = 5 * time.Millisecond
	r := NewRetrying(venue, policy, nil, nil)

	err := r.Cancel(context.Background(), "missing")
	// The re-query after the first timeout finds no such order.
	if !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestBackoffBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for n := 0; n < 6; n++ {
		d := p.Backoff(n)
		if d < 5*time.Millisecond || d > 40*time.Millisecond {
			t.Fatalf("Backoff(%d)=%v out of bounds", n, d)
		}
	}
}
