// Package monitor exports engine telemetry and forwards operator alerts.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/audit"
	"execution-core/internal/control"
	"execution-core/internal/events"
	"execution-core/internal/heartbeat"
	"execution-core/internal/risk"
)

// Sample is a periodic reading of engine state.
type Sample struct {
	Leader     bool
	Readiness  heartbeat.Status
	Risk       risk.State
	OpenGroups int
}

// Monitor watches the bus and periodic samples, updates metrics and emits
// alerts to the sinks.
type Monitor struct {
	Bus      *events.Bus
	Metrics  *Metrics
	Sinks    []AlertSink
	Sampler  func() Sample
	Rules    []Rule
	Interval time.Duration
	Logger   *zap.Logger

	firing map[string]bool
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil || m.Metrics == nil {
		m.Logger.Warn("monitor not fully configured; skipping")
		return
	}
	if m.Interval <= 0 {
		m.Interval = 5 * time.Second
	}
	if m.Rules == nil {
		m.Rules = DefaultRules()
	}
	m.firing = make(map[string]bool)

	incidents, unsubIncidents := m.Bus.Subscribe(events.EventIncident, 64)
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventAlert, 64)
	go func() {
		defer unsubIncidents()
		defer unsubAlerts()
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-incidents:
				if !ok {
					return
				}
				if snap, ok := msg.(audit.Snapshot); ok {
					m.Metrics.ObserveIncident(snap.Trigger)
					m.send("incident " + snap.Trigger + " (" + snap.ID + ")")
				}
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if a, ok := msg.(control.Alert); ok {
					m.send(formatAlert(a))
				}
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Tick takes one sample, refreshes the gauges and evaluates the rules.
// A rule alerts when it starts firing, not on every tick.
func (m *Monitor) Tick() {
	if m.Sampler == nil {
		return
	}
	if m.firing == nil {
		m.firing = make(map[string]bool)
	}
	s := m.Sampler()
	m.Metrics.SetLeader(s.Leader)
	m.Metrics.SetReadiness(s.Readiness)
	m.Metrics.SetRisk(s.Risk, s.OpenGroups)
	for _, r := range m.Rules {
		fired, msg := r.Check(s)
		if fired && !m.firing[r.Name] {
			m.send(r.Name + ": " + msg)
		}
		m.firing[r.Name] = fired
	}
}

func (m *Monitor) send(msg string) {
	for _, sink := range m.Sinks {
		if err := sink.Send(msg); err != nil {
			m.Logger.Error("alert sink failed", zap.Error(err))
		}
	}
}

func formatAlert(a control.Alert) string {
	prefix := "[" + a.RaisedAt.Format(time.RFC3339) + "] "
	if a.Blocking {
		prefix += "BLOCKING "
	}
	return prefix + a.Kind + ": " + a.Message
}
