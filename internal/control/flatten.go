package control

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/state"
)

// FlattenStatus is the outcome of a flatten run.
type FlattenStatus string

const (
	FlattenSuccess FlattenStatus = "SUCCESS"
	FlattenPartial FlattenStatus = "PARTIAL"
	FlattenFailed  FlattenStatus = "FAILED"
)

// FlattenResult reports what a flatten run achieved inside its budget.
type FlattenResult struct {
	ID         string            `json:"id"`
	Reason     string            `json:"reason"`
	Status     FlattenStatus     `json:"status"`
	Requested  int               `json:"requested"`
	Closed     []string          `json:"closed"`
	Open       []string          `json:"open"`
	Residual   []state.Position  `json:"residual_positions"`
	Errors     map[string]string `json:"errors,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Elapsed    time.Duration     `json:"-"`
	ElapsedMS  int64             `json:"elapsed_ms"`
	Budget     time.Duration     `json:"-"`
	BudgetMS   int64             `json:"budget_ms"`
	Escalated  bool              `json:"escalated"`
	IncidentID string            `json:"incident_id,omitempty"`
}

// Flatten exits every open group with market orders and pauses entries
// until Resume. Calls made while a run is in flight share its result. The
// run is bounded by the kill-switch budget; running out of it escalates.
// Any instance may flatten, leader or not.
func (c *Controller) Flatten(ctx context.Context, reason string) (FlattenResult, error) {
	if reason == "" {
		reason = "operator"
	}
	v, err, _ := c.sf.Do("flatten", func() (any, error) {
		// Detached from the first caller so its cancellation cannot cut
		// the run short for everyone sharing it.
		return c.flatten(context.WithoutCancel(ctx), reason), nil
	})
	if err != nil {
		return FlattenResult{}, err
	}
	return v.(FlattenResult), nil
}

func (c *Controller) flatten(ctx context.Context, reason string) FlattenResult {
	start := c.clock.Now()
	budget := c.d.Registry.Current().KillSwitch.Budget
	if budget <= 0 {
		budget = 5 * time.Second
	}
	res := FlattenResult{
		ID:        uuid.NewString(),
		Reason:    reason,
		StartedAt: start,
		Budget:    budget,
		BudgetMS:  budget.Milliseconds(),
		Errors:    make(map[string]string),
	}

	c.mu.Lock()
	c.flattening = true
	c.mu.Unlock()
	c.Pause(ctx, "flatten: "+reason)
	defer func() {
		c.mu.Lock()
		c.flattening = false
		c.mu.Unlock()
	}()
	c.log.Warn("flatten started", zap.String("id", res.ID), zap.String("reason", reason), zap.Duration("budget", budget))

	fctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var mu sync.Mutex
	exitAll := func(ids []string) {
		var wg conc.WaitGroup
		for _, id := range ids {
			id := id
			wg.Go(func() {
				if _, err := c.d.Groups.ForceExit(fctx, id, reason); err != nil {
					mu.Lock()
					res.Errors[id] = err.Error()
					mu.Unlock()
				}
			})
		}
		wg.Wait()
	}

	ids := c.d.Groups.OpenGroupIDs()
	exitAll(ids)
	// Groups opened by an entry that was already past the gate.
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	var late []string
	for _, id := range c.d.Groups.OpenGroupIDs() {
		if !seen[id] {
			late = append(late, id)
		}
	}
	if len(late) > 0 {
		exitAll(late)
		ids = append(ids, late...)
	}
	res.Requested = len(ids)

	waitErr := c.d.Groups.WaitTerminal(fctx, ids)
	for _, id := range ids {
		g, ok := c.d.Groups.Group(id)
		if ok && g.State.Terminal() {
			res.Closed = append(res.Closed, id)
			continue
		}
		res.Open = append(res.Open, id)
	}
	sort.Strings(res.Closed)
	sort.Strings(res.Open)
	if c.d.Positions != nil {
		res.Residual = c.d.Positions.Open()
	}

	switch {
	case len(res.Open) == 0 && len(res.Residual) == 0:
		res.Status = FlattenSuccess
	case len(res.Closed) == 0 && len(ids) > 0:
		res.Status = FlattenFailed
	default:
		res.Status = FlattenPartial
	}
	res.Elapsed = c.clock.Now().Sub(start)
	res.ElapsedMS = res.Elapsed.Milliseconds()

	if errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded) {
		res.Escalated = true
	}
	if res.Status != FlattenSuccess {
		trigger := "flatten_" + string(res.Status)
		if res.Escalated {
			trigger = "flatten_budget_exceeded"
		}
		if c.d.Audit != nil {
			snap, err := c.d.Audit.Incident(ctx, trigger, res)
			if err != nil {
				c.log.Error("flatten incident failed", zap.Error(err))
			} else {
				res.IncidentID = snap.ID
			}
		}
		c.RaiseAlert(ctx, trigger, "flatten left groups or positions open", true)
	}

	c.audit(ctx, audit.Entry{
		Kind:    audit.KindFlatten,
		Outcome: string(res.Status),
		Reason:  reason,
		Detail:  map[string]any{"id": res.ID, "requested": res.Requested, "open": res.Open, "elapsed_ms": res.ElapsedMS, "escalated": res.Escalated},
	})
	c.publish(events.EventFlattenCompleted, res)
	if c.d.Observer != nil {
		c.d.Observer.ObserveFlatten(string(res.Status), res.Elapsed)
	}
	c.log.Warn("flatten finished",
		zap.String("id", res.ID),
		zap.String("status", string(res.Status)),
		zap.Int("requested", res.Requested),
		zap.Int("open", len(res.Open)),
		zap.Duration("elapsed", res.Elapsed))

	c.mu.Lock()
	last := res
	c.last = &last
	c.mu.Unlock()
	return res
}
