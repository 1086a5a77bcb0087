// Package engine wires the execution core together and owns its background
// loops. The API layer talks to the components it exposes, never to the
// stores underneath them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/api"
	"execution-core/internal/audit"
	"execution-core/internal/control"
	"execution-core/internal/events"
	"execution-core/internal/health"
	"execution-core/internal/heartbeat"
	"execution-core/internal/leader"
	"execution-core/internal/ledger"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/internal/oco"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/pipeline"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/session"
	"execution-core/internal/state"
	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
	"execution-core/pkg/clock"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// Options configure New. Config is required; everything else has a default.
type Options struct {
	Config   *config.Config
	Snapshot *config.Snapshot
	// Broker is the venue adapter. Nil runs against the in-process paper
	// venue.
	Broker broker.Adapter
	// LeaseStore overrides the store selected by Config.LeaseStore.
	LeaseStore leader.Store
	// Ledger overrides the pebble ledger at Config.LedgerPath.
	Ledger  ledger.Ledger
	Clock   clock.Clock
	Logger  *zap.Logger
	Version string
}

// Engine owns every component and the loops between them.
type Engine struct {
	cfg   *config.Config
	log   *zap.Logger
	clock clock.Clock

	DB         *db.Database
	Bus        *events.Bus
	Registry   *config.Registry
	Metrics    *monitor.Metrics
	Paper      *broker.Paper
	Broker     broker.Adapter
	Journal    *order.Journal
	Events     *persistence.EventJournal
	Ledger     ledger.Ledger
	Positions  *state.Manager
	Risk       *risk.Tracker
	Audit      *audit.Recorder
	Groups     *oco.Manager
	Heartbeat  *heartbeat.Monitor
	Leader     *leader.Coordinator
	Control    *control.Controller
	Pipeline   *pipeline.Pipeline
	Reconciler *reconciliation.Service
	Monitor    *monitor.Monitor
	Health     *health.Server
	API        *api.Server

	dispatcher *order.Dispatcher
	pgStore    *leader.PGStore

	calMu    sync.Mutex
	cal      *session.Calendar
	calVer   string
	recovery chan struct{}
}

// New opens the stores and builds every component. Nothing runs until Run.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	snap := opts.Snapshot
	if snap == nil {
		var err error
		if snap, err = config.LoadSnapshot(cfg.SnapshotPath); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	clk := opts.Clock

	e := &Engine{cfg: cfg, log: log, clock: clk, recovery: make(chan struct{}, 1)}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	if err := ensureDir(cfg.DBPath); err != nil {
		return nil, err
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	e.DB = database
	if err := db.ApplyMigrations(database); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e.Bus = events.NewBus()
	e.Registry = config.NewRegistry(snap)
	e.Metrics = monitor.NewMetrics()

	e.Ledger = opts.Ledger
	if e.Ledger == nil {
		if e.Ledger, err = ledger.OpenPebble(cfg.LedgerPath); err != nil {
			return nil, err
		}
	}

	if cfg.WALDir != "" {
		if e.Journal, err = order.OpenJournal(cfg.WALDir, log.Named("wal")); err != nil {
			return nil, err
		}
	}
	e.Events = persistence.NewEventJournal(database, 100, time.Second, log.Named("journal"))

	e.Broker = opts.Broker
	if e.Broker == nil {
		e.Paper = broker.NewPaper(4096, clk.Now)
		e.Broker = e.Paper
	}
	var limiter *rate.Limiter
	if cfg.BrokerRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BrokerRateLimit), cfg.BrokerBurst)
	}
	retrying := broker.NewRetrying(e.Broker, retryPolicy(snap.Retry), limiter, e.Metrics)

	e.Positions = state.NewManager(database, cache.NewMarkCache())
	if err := e.Positions.Load(ctx); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	e.Risk = risk.NewTracker(database, func() risk.Caps { return risk.CapsFrom(e.Registry.Current().Risk) }, e.Positions.Unrealized, log.Named("risk"))
	if _, err := e.calendar(); err != nil {
		return nil, err
	}
	if err := e.Risk.Load(ctx, e.day(clk.Now())); err != nil {
		return nil, fmt.Errorf("load risk: %w", err)
	}

	e.Audit = audit.NewRecorder(database, e.Bus, audit.Options{
		InstanceID:  cfg.InstanceID,
		Version:     func() string { return e.Registry.Current().Version },
		IncidentDir: cfg.IncidentDir,
		Clock:       clk,
		Logger:      log.Named("audit"),
	})

	e.Groups = oco.NewManager(oco.Deps{
		DB:        database,
		Broker:    retrying,
		Journal:   e.Journal,
		Positions: e.Positions,
		Risk:      e.Risk,
		Audit:     e.Audit,
		Bus:       e.Bus,
		Clock:     clk,
		Logger:    log.Named("oco"),
		Options:   func() config.OCOSection { return e.Registry.Current().OCO },
		Observer:  e.Metrics,
	})

	e.Heartbeat = heartbeat.New(clk, map[heartbeat.Feed]time.Duration{
		heartbeat.FeedMarketData:  cfg.MarketDataStaleAfter,
		heartbeat.FeedOrderStream: cfg.OrderStreamStaleAfter,
	})

	store := opts.LeaseStore
	if store == nil {
		if store, err = e.openLeaseStore(ctx); err != nil {
			return nil, err
		}
	}
	e.Leader = leader.New(store, leader.Options{
		Name:        cfg.LeaseName,
		InstanceID:  cfg.InstanceID,
		TTL:         cfg.LeaseTTL,
		RenewEvery:  cfg.LeaseRenew,
		CallTimeout: cfg.LeaseTimeout,
		Clock:       clk,
		Logger:      log.Named("leader"),
	})

	e.Control = control.New(control.Deps{
		Groups:       e.Groups,
		Positions:    e.Positions,
		Registry:     e.Registry,
		Audit:        e.Audit,
		Bus:          e.Bus,
		Clock:        clk,
		Logger:       log.Named("control"),
		ConfirmToken: cfg.LiveConfirmToken,
		Observer:     e.Metrics,
	})

	e.Pipeline = pipeline.New(pipeline.Deps{
		Ledger:   e.Ledger,
		Risk:     e.Risk,
		Groups:   e.Groups,
		DB:       database,
		Audit:    e.Audit,
		Config:   e.Registry.Current,
		Lease:    e.Leader.State,
		Ready:    e.Heartbeat.IsReady,
		Entries:  e.Control.EntriesAllowed,
		Window:   windowFunc(e.entryAllowed),
		Clock:    clk,
		Logger:   log.Named("pipeline"),
		Observer: e.Metrics,
	})

	e.Reconciler = reconciliation.NewService(reconciliation.Deps{
		Groups:    e.Groups,
		Venue:     retrying,
		Positions: e.Positions,
		Audit:     e.Audit,
		Alerts:    e.Control,
		Clock:     clk,
		Logger:    log.Named("reconcile"),
		Grace:     func() time.Duration { return e.Registry.Current().OCO.FillGrace },
		Interval:  cfg.ReconcileInterval,
		Active:    e.Leader.IsLeader,
		Observer:  e.Metrics,
	})

	e.Audit.SetStateFunc(e.incidentState)

	e.Monitor = &monitor.Monitor{
		Bus:     e.Bus,
		Metrics: e.Metrics,
		Sinks:   []monitor.AlertSink{monitor.LogSink{Logger: log.Named("alerts")}},
		Sampler: e.sample,
		Logger:  log.Named("monitor"),
	}

	e.Health = health.NewServer(health.Probes{Ready: e.Heartbeat.IsReady, Leader: e.Leader.IsLeader}, time.Second, log.Named("health"))

	e.dispatcher = order.NewDispatcher(8, 256, e.handleBrokerEvent, log.Named("dispatch"))
	e.dispatcher.OnEvent(func(ev broker.Event) {
		e.Heartbeat.Record(heartbeat.FeedOrderStream, ev.Timestamp)
	})

	e.API = api.NewServer(api.Deps{
		Signals:     e.Pipeline,
		Control:     e.Control,
		Groups:      e.Groups,
		Risk:        e.Risk,
		Positions:   e.Positions,
		Readiness:   e.Heartbeat,
		Reconciler:  e.Reconciler,
		Audit:       e.Audit,
		Metrics:     e.Metrics,
		Bus:         e.Bus,
		Lease:       e.Leader.State,
		OnTick:      e.OnTick,
		Clock:       clk,
		Logger:      log.Named("api"),
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		InstanceID:  cfg.InstanceID,
		Version:     opts.Version,
		RateLimit:   50,
		RateBurst:   100,
	})

	e.Leader.OnChange(e.onLeadership)
	ok = true
	return e, nil
}

func (e *Engine) openLeaseStore(ctx context.Context) (leader.Store, error) {
	switch e.cfg.LeaseStore {
	case "", "sqlite":
		return leader.NewSQLStore(e.DB), nil
	case "memory":
		return leader.NewMemoryStore(), nil
	case "postgres":
		if e.cfg.LeaseDSN == "" {
			return nil, errors.New("LEASE_DSN is required for the postgres lease store")
		}
		pg, err := leader.OpenPGStore(ctx, e.cfg.LeaseDSN)
		if err != nil {
			return nil, err
		}
		e.pgStore = pg
		return pg, nil
	}
	return nil, fmt.Errorf("unknown lease store %q", e.cfg.LeaseStore)
}

// OnTick records a mark price. Marks drive unrealized P&L and, on the paper
// venue, trigger resting stop and target legs.
func (e *Engine) OnTick(symbol string, price float64, at time.Time) {
	e.Positions.Marks().Set(symbol, price, at)
	if e.Paper != nil {
		e.Paper.SetMark(symbol, price)
	}
}

func (e *Engine) handleBrokerEvent(ctx context.Context, ev broker.Event) error {
	out, err := e.Groups.OnEvent(ctx, ev)
	e.Events.Record(ev, out == order.Applied)
	return err
}

// calendar returns the session calendar for the active snapshot, rebuilding
// it when the snapshot changes.
func (e *Engine) calendar() (*session.Calendar, error) {
	snap := e.Registry.Current()
	e.calMu.Lock()
	defer e.calMu.Unlock()
	if e.cal != nil && e.calVer == snap.Version {
		return e.cal, nil
	}
	cal, err := session.NewCalendar(snap.Session)
	if err != nil {
		return nil, err
	}
	e.cal, e.calVer = cal, snap.Version
	return cal, nil
}

func (e *Engine) entryAllowed(t time.Time) bool {
	cal, err := e.calendar()
	if err != nil {
		e.log.Error("session calendar", zap.Error(err))
		return false
	}
	return cal.EntryAllowed(t)
}

func (e *Engine) day(t time.Time) string {
	cal, err := e.calendar()
	if err != nil {
		return t.UTC().Format("2006-01-02")
	}
	return cal.Day(t)
}

type windowFunc func(time.Time) bool

func (f windowFunc) EntryAllowed(t time.Time) bool { return f(t) }

func (e *Engine) incidentState(context.Context) audit.State {
	return audit.State{
		Config:     e.Registry.Current(),
		Positions:  e.Positions.Positions(),
		OpenGroups: e.Groups.Groups(true),
		Risk:       e.Risk.Snapshot(),
		Mode:       e.Control.Mode(),
	}
}

func (e *Engine) sample() monitor.Sample {
	return monitor.Sample{
		Leader:     e.Leader.IsLeader(),
		Readiness:  e.Heartbeat.Status(),
		Risk:       e.Risk.Snapshot(),
		OpenGroups: len(e.Groups.OpenGroupIDs()),
	}
}

func (e *Engine) onLeadership(held bool, st model.LeaseState, cause error) {
	e.Metrics.SetLeader(held)
	e.Health.Refresh()
	e.Bus.Publish(events.EventLeadership, st)
	detail := map[string]any{"fencing": st.Fencing, "expires_at": st.ExpiresAt}
	if cause != nil {
		detail["cause"] = cause.Error()
	}
	outcome := "LOST"
	if held {
		outcome = "ACQUIRED"
	}
	_, _ = e.Audit.Append(context.Background(), audit.Entry{Kind: audit.KindLeadership, Outcome: outcome, Detail: detail})
	if held {
		e.log.Info("leadership acquired", zap.Int64("fencing", st.Fencing))
		select {
		case e.recovery <- struct{}{}:
		default:
		}
		return
	}
	e.log.Warn("leadership lost; new entries stop", zap.Error(cause))
}

// Close releases every store. It is safe on a partially built engine.
func (e *Engine) Close() error {
	var errs []error
	if e.Events != nil {
		errs = append(errs, e.Events.Close())
	}
	if e.Journal != nil {
		errs = append(errs, e.Journal.Close())
	}
	if e.Ledger != nil {
		errs = append(errs, e.Ledger.Close())
	}
	if e.pgStore != nil {
		e.pgStore.Close()
	}
	if e.DB != nil {
		errs = append(errs, e.DB.Close())
	}
	return errors.Join(errs...)
}

func retryPolicy(s config.RetrySection) broker.RetryPolicy {
	p := broker.DefaultRetryPolicy()
	if s.MaxAttempts > 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay > 0 {
		p.BaseDelay = s.BaseDelay
	}
	if s.MaxDelay > 0 {
		p.MaxDelay = s.MaxDelay
	}
	if s.AttemptTimeout > 0 {
		p.AttemptTimeout = s.AttemptTimeout
	}
	return p
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
