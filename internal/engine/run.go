package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/heartbeat"
)

const (
	sessionEvery   = time.Second
	purgeEvery     = time.Minute
	readinessEvery = 500 * time.Millisecond
	keepaliveEvery = time.Second
)

// Run starts every loop and the network listeners, and blocks until ctx is
// done and they have all stopped.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	errCh := make(chan error, 2)

	wg.Go(func() { e.dispatcher.Run(ctx, e.Broker.Events()) })
	wg.Go(func() { e.Leader.Run(ctx) })
	wg.Go(func() { e.Leader.Watch(ctx, readinessEvery) })
	wg.Go(func() { e.Heartbeat.Watch(ctx, readinessEvery, e.onReadiness) })
	wg.Go(func() { e.recoverLoop(ctx) })
	wg.Go(func() { e.sessionLoop(ctx) })
	wg.Go(func() { e.purgeLoop(ctx) })
	if e.Paper != nil {
		wg.Go(func() { e.keepalive(ctx) })
	}
	e.Monitor.Start(ctx)
	e.Reconciler.Start(ctx)

	if e.cfg.Port != "" {
		wg.Go(func() {
			if err := e.API.Start(ctx, ":"+e.cfg.Port); err != nil {
				errCh <- err
			}
		})
	}
	if e.cfg.GRPCPort != "" {
		wg.Go(func() {
			if err := e.Health.Serve(ctx, ":"+e.cfg.GRPCPort); err != nil {
				errCh <- err
			}
		})
	}

	e.log.Info("engine running",
		zap.String("instance_id", e.cfg.InstanceID),
		zap.String("config_version", e.Registry.Current().Version),
		zap.Bool("paper", e.Paper != nil))

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		e.log.Error("listener failed; shutting down", zap.Error(err))
		cancel()
	}
	wg.Wait()
	return err
}

// recoverLoop re-derives open groups from the store and the venue the first
// time this instance becomes leader. Later gains keep the in-memory book,
// which every transition has been writing through.
func (e *Engine) recoverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.recovery:
		}
		rep, err := e.Groups.Recover(ctx)
		if err != nil {
			e.log.Error("group recovery failed", zap.Error(err))
			e.Control.RaiseAlert(ctx, "recovery_failed", err.Error(), true)
			continue
		}
		e.log.Info("group recovery complete",
			zap.Int("groups", rep.Groups),
			zap.Int("orphaned", rep.Orphaned),
			zap.Int("requeried", rep.Requeried),
			zap.Int("resumed", rep.Resumed),
			zap.Strings("failed", rep.Failed))
		if len(rep.Failed) > 0 {
			e.Control.RaiseAlert(ctx, "recovery_incomplete", "groups could not be recovered: "+strings.Join(rep.Failed, ", "), true)
		}
		return
	}
}

// sessionLoop rolls the risk day and force-flattens at the session deadline.
func (e *Engine) sessionLoop(ctx context.Context) {
	flattenedOn := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(sessionEvery):
		}
		flattenedOn = e.sessionTick(ctx, flattenedOn)
	}
}

// sessionTick runs one pass of the session loop and returns the day the
// deadline flatten last ran.
func (e *Engine) sessionTick(ctx context.Context, flattenedOn string) string {
	now := e.clock.Now()
	cal, err := e.calendar()
	if err != nil {
		e.log.Error("session calendar", zap.Error(err))
		return flattenedOn
	}
	day := cal.Day(now)
	if e.Risk.RollDay(day) {
		e.log.Info("risk day rolled", zap.String("day", day))
	}
	if !cal.FlattenDue(now) || flattenedOn == day || !e.Leader.IsLeader() {
		return flattenedOn
	}
	if len(e.Groups.OpenGroupIDs()) == 0 && len(e.Positions.Open()) == 0 {
		return day
	}
	res, err := e.Control.Flatten(ctx, "session_end")
	if err != nil {
		e.log.Error("session flatten", zap.Error(err))
		return flattenedOn
	}
	e.log.Info("session flatten", zap.String("status", string(res.Status)), zap.Int("closed", len(res.Closed)))
	return day
}

func (e *Engine) purgeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(purgeEvery):
		}
		n, err := e.Ledger.Purge(ctx, e.clock.Now())
		if err != nil {
			e.log.Warn("ledger purge", zap.Error(err))
			continue
		}
		if n > 0 {
			e.log.Debug("ledger purged", zap.Int("records", n))
		}
	}
}

// keepalive stands in for the venue's stream heartbeat when the venue is the
// in-process paper broker, which is connected for as long as we run.
func (e *Engine) keepalive(ctx context.Context) {
	for {
		e.Heartbeat.Record(heartbeat.FeedOrderStream, e.clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(keepaliveEvery):
		}
	}
}

func (e *Engine) onReadiness(st heartbeat.Status) {
	e.Metrics.SetReadiness(st)
	e.Health.Refresh()
	e.Bus.Publish(events.EventReadiness, st)
	if !st.Ready {
		e.log.Warn("engine not ready; entries blocked")
		return
	}
	e.log.Info("engine ready")
}
