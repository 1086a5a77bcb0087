// Package control owns the operator surface of the engine: trading mode,
// the entry gate, alerts and the kill switch.
package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/model"
	"execution-core/internal/oco"
	"execution-core/internal/state"
	"execution-core/pkg/clock"
	"execution-core/pkg/config"
)

// Mode is the trading mode.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// ParseMode accepts PAPER or LIVE in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", model.ErrValidation, s)
}

// Alert is an operator-visible condition. Blocking alerts close the entry
// gate until acknowledged by Resume.
type Alert struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Blocking bool      `json:"blocking"`
	RaisedAt time.Time `json:"raised_at"`
}

// Groups is what the controller needs from the lifecycle manager.
type Groups interface {
	OpenGroupIDs() []string
	Group(groupID string) (oco.Group, bool)
	ForceExit(ctx context.Context, groupID, reason string) (oco.Group, error)
	WaitTerminal(ctx context.Context, groupIDs []string) error
}

// Positions lists open positions.
type Positions interface {
	Open() []state.Position
}

// Auditor is the audit recorder.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
	Incident(ctx context.Context, trigger string, detail any) (audit.Snapshot, error)
}

// Observer receives controller telemetry.
type Observer interface {
	ObserveFlatten(status string, elapsed time.Duration)
	ObserveMode(mode string)
	ObserveAlert(kind string, blocking bool)
}

// Deps wires the controller.
type Deps struct {
	Groups       Groups
	Positions    Positions
	Registry     *config.Registry
	Audit        Auditor
	Bus          *events.Bus
	Clock        clock.Clock
	Logger       *zap.Logger
	ConfirmToken string
	Observer     Observer
}

// Status is the controller view served on /state.
type Status struct {
	Mode           Mode           `json:"mode"`
	ConfigVersion  string         `json:"config_version"`
	FrozenVersion  string         `json:"frozen_version,omitempty"`
	EntriesAllowed bool           `json:"entries_allowed"`
	Paused         bool           `json:"paused"`
	PauseReason    string         `json:"pause_reason,omitempty"`
	Flattening     bool           `json:"flattening"`
	Alerts         []Alert        `json:"alerts"`
	LastFlatten    *FlattenResult `json:"last_flatten,omitempty"`
}

type Controller struct {
	d     Deps
	log   *zap.Logger
	clock clock.Clock
	sf    singleflight.Group

	mu          sync.RWMutex
	mode        Mode
	paused      bool
	pauseReason string
	flattening  bool
	alerts      []Alert
	last        *FlattenResult
}

func New(d Deps) *Controller {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = config.NewRegistry(nil)
	}
	return &Controller{d: d, log: d.Logger, clock: d.Clock, mode: ModePaper}
}

func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode switches between PAPER and LIVE. Entering LIVE needs the exact
// confirmation token and freezes the active config version; leaving LIVE
// needs every group closed.
func (c *Controller) SetMode(ctx context.Context, target Mode, token string) (Status, error) {
	if target != ModePaper && target != ModeLive {
		return c.Status(), fmt.Errorf("%w: unknown mode %q", model.ErrValidation, target)
	}
	c.mu.Lock()
	from := c.mode
	if from == target {
		c.mu.Unlock()
		return c.Status(), nil
	}
	var version string
	switch target {
	case ModeLive:
		if c.d.ConfirmToken == "" {
			c.mu.Unlock()
			return c.Status(), fmt.Errorf("%w: no live confirmation token configured", model.ErrValidation)
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.d.ConfirmToken)) != 1 {
			c.mu.Unlock()
			c.audit(ctx, audit.Entry{Kind: audit.KindMode, Outcome: "DENIED", Reason: "confirmation_mismatch", Detail: map[string]any{"target": target}})
			return c.Status(), fmt.Errorf("%w: confirmation token does not match", model.ErrValidation)
		}
		version = c.d.Registry.Freeze()
	case ModePaper:
		if open := c.d.Groups.OpenGroupIDs(); len(open) > 0 {
			c.mu.Unlock()
			return c.Status(), fmt.Errorf("%w: %d groups still open", model.ErrConflict, len(open))
		}
		c.d.Registry.Unfreeze()
		version = c.d.Registry.Current().Version
	}
	c.mode = target
	c.mu.Unlock()

	c.log.Info("mode changed", zap.String("from", string(from)), zap.String("to", string(target)), zap.String("config_version", version))
	c.audit(ctx, audit.Entry{Kind: audit.KindMode, Outcome: string(target), Detail: map[string]any{"from": from, "config_version": version}})
	c.publish(events.EventModeChanged, map[string]any{"mode": target, "from": from, "config_version": version})
	if c.d.Observer != nil {
		c.d.Observer.ObserveMode(string(target))
	}
	return c.Status(), nil
}

// ApplyConfig swaps the active snapshot. It is refused while LIVE.
func (c *Controller) ApplyConfig(ctx context.Context, next *config.Snapshot) error {
	if next == nil {
		return fmt.Errorf("%w: empty config", model.ErrValidation)
	}
	if c.Mode() == ModeLive {
		c.audit(ctx, audit.Entry{Kind: audit.KindConfig, Outcome: "DENIED", Reason: "live", Detail: map[string]any{"version": next.Version}})
		return fmt.Errorf("%w: config is frozen while LIVE, restart to change it", model.ErrConflict)
	}
	prev := c.d.Registry.Current().Version
	if err := c.d.Registry.Apply(next); err != nil {
		if errors.Is(err, config.ErrFrozen) {
			return fmt.Errorf("%w: %v", model.ErrConflict, err)
		}
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	c.log.Info("config applied", zap.String("from", prev), zap.String("to", next.Version))
	c.audit(ctx, audit.Entry{Kind: audit.KindConfig, Outcome: "APPLIED", ConfigVersion: next.Version, Detail: map[string]any{"from": prev}})
	return nil
}

// Pause closes the entry gate. Exits are unaffected.
func (c *Controller) Pause(ctx context.Context, reason string) {
	c.mu.Lock()
	was := c.paused
	c.paused = true
	c.pauseReason = reason
	c.mu.Unlock()
	if was {
		return
	}
	c.log.Warn("entries paused", zap.String("reason", reason))
	c.audit(ctx, audit.Entry{Kind: audit.KindGate, Outcome: "PAUSED", Reason: reason})
	c.publish(events.EventEntriesGate, map[string]any{"open": false, "reason": reason})
}

// Resume reopens the entry gate and acknowledges every outstanding alert.
// It is refused while a flatten is running.
func (c *Controller) Resume(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.flattening {
		c.mu.Unlock()
		return c.Status(), fmt.Errorf("%w: flatten in progress", model.ErrConflict)
	}
	acked := len(c.alerts)
	c.paused = false
	c.pauseReason = ""
	c.alerts = nil
	c.mu.Unlock()
	c.log.Info("entries resumed", zap.Int("alerts_acknowledged", acked))
	c.audit(ctx, audit.Entry{Kind: audit.KindGate, Outcome: "RESUMED", Detail: map[string]any{"alerts_acknowledged": acked}})
	c.publish(events.EventEntriesGate, map[string]any{"open": true})
	return c.Status(), nil
}

// RaiseAlert records an alert. A blocking one closes the entry gate.
func (c *Controller) RaiseAlert(ctx context.Context, kind, message string, blocking bool) Alert {
	a := Alert{ID: uuid.NewString(), Kind: kind, Message: message, Blocking: blocking, RaisedAt: c.clock.Now()}
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	c.log.Warn("alert raised", zap.String("kind", kind), zap.Bool("blocking", blocking), zap.String("message", message))
	c.audit(ctx, audit.Entry{Kind: audit.KindAlert, Outcome: kind, Reason: message, Detail: map[string]any{"blocking": blocking, "alert_id": a.ID}})
	c.publish(events.EventAlert, a)
	if c.d.Observer != nil {
		c.d.Observer.ObserveAlert(kind, blocking)
	}
	return a
}

// EntriesAllowed reports whether the operator gate is open.
func (c *Controller) EntriesAllowed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entriesAllowedLocked()
}

func (c *Controller) entriesAllowedLocked() bool {
	if c.paused || c.flattening {
		return false
	}
	for _, a := range c.alerts {
		if a.Blocking {
			return false
		}
	}
	return true
}

func (c *Controller) Alerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Alert(nil), c.alerts...)
}

func (c *Controller) Status() Status {
	snap := c.d.Registry.Current()
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Mode:           c.mode,
		ConfigVersion:  snap.Version,
		FrozenVersion:  c.d.Registry.Frozen(),
		EntriesAllowed: c.entriesAllowedLocked(),
		Paused:         c.paused,
		PauseReason:    c.pauseReason,
		Flattening:     c.flattening,
		Alerts:         append([]Alert{}, c.alerts...),
	}
	if c.last != nil {
		last := *c.last
		st.LastFlatten = &last
	}
	return st
}

func (c *Controller) audit(ctx context.Context, e audit.Entry) {
	if c.d.Audit == nil {
		return
	}
	if _, err := c.d.Audit.Append(ctx, e); err != nil {
		c.log.Error("control audit failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (c *Controller) publish(e events.Event, payload any) {
	if c.d.Bus != nil {
		c.d.Bus.Publish(e, payload)
	}
}
