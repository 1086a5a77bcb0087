// Package audit keeps the append-only trail of engine transitions and the
// incident snapshots taken on risk events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/clock"
	"execution-core/pkg/db"
)

// Kind labels an audit entry.
type Kind string

const (
	KindDecision   Kind = "DECISION"
	KindDuplicate  Kind = "DUPLICATE"
	KindInvalid    Kind = "INVALID"
	KindOrder      Kind = "ORDER"
	KindGroup      Kind = "GROUP"
	KindPosition   Kind = "POSITION"
	KindMode       Kind = "MODE"
	KindGate       Kind = "GATE"
	KindFlatten    Kind = "FLATTEN"
	KindLeadership Kind = "LEADERSHIP"
	KindReadiness  Kind = "READINESS"
	KindReconcile  Kind = "RECONCILE"
	KindAlert      Kind = "ALERT"
	KindConfig     Kind = "CONFIG"
	KindIncident   Kind = "INCIDENT"
)

// Entry is one audit record. Seq is assigned on append.
type Entry struct {
	Seq           int64     `json:"seq"`
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	InstanceID    string    `json:"instance_id"`
	ConfigVersion string    `json:"config_version"`
	SignalID      string    `json:"signal_id,omitempty"`
	DecisionID    string    `json:"decision_id,omitempty"`
	GroupID       string    `json:"group_id,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Detail        any       `json:"detail,omitempty"`
}

// State is the engine view bundled into an incident snapshot.
type State struct {
	Config     any `json:"config"`
	Positions  any `json:"positions"`
	OpenGroups any `json:"open_groups"`
	Risk       any `json:"risk"`
	Mode       any `json:"mode,omitempty"`
}

// StateFunc captures the current engine state.
type StateFunc func(ctx context.Context) State

// Snapshot is an immutable incident bundle.
type Snapshot struct {
	ID            string    `json:"id"`
	Trigger       string    `json:"trigger"`
	CreatedAt     time.Time `json:"created_at"`
	ConfigVersion string    `json:"config_version"`
	State
	RecentAudit []Entry `json:"recent_audit"`
	Detail      any     `json:"detail,omitempty"`
}

// Options configure a Recorder.
type Options struct {
	InstanceID  string
	Version     func() string
	IncidentDir string
	RecentLimit int
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Recorder writes audit entries and incidents to SQLite and publishes them on
// the bus. Nothing it writes is ever updated.
type Recorder struct {
	db    *db.Database
	bus   *events.Bus
	opts  Options
	clock clock.Clock
	log   *zap.Logger

	mu    sync.RWMutex
	state StateFunc
}

func NewRecorder(database *db.Database, bus *events.Bus, opts Options) *Recorder {
	if opts.Version == nil {
		opts.Version = func() string { return "" }
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 50
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Recorder{db: database, bus: bus, opts: opts, clock: opts.Clock, log: opts.Logger}
}

// SetStateFunc installs the incident state source once the engine is wired.
func (r *Recorder) SetStateFunc(fn StateFunc) {
	r.mu.Lock()
	r.state = fn
	r.mu.Unlock()
}

func encodeDetail(v any) (string, error) {
	switch d := v.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		return string(d), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode audit detail: %w", err)
	}
	return string(b), nil
}

// Append stamps and persists e. The returned entry carries its sequence.
func (r *Recorder) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now().UTC()
	}
	if e.InstanceID == "" {
		e.InstanceID = r.opts.InstanceID
	}
	if e.ConfigVersion == "" {
		e.ConfigVersion = r.opts.Version()
	}
	detail, err := encodeDetail(e.Detail)
	if err != nil {
		return e, err
	}
	seq, err := r.db.AppendAudit(ctx, db.AuditRow{
		ID:            e.ID,
		Kind:          string(e.Kind),
		Timestamp:     e.Timestamp,
		InstanceID:    e.InstanceID,
		ConfigVersion: e.ConfigVersion,
		SignalID:      e.SignalID,
		DecisionID:    e.DecisionID,
		GroupID:       e.GroupID,
		ClientOrderID: e.ClientOrderID,
		Outcome:       e.Outcome,
		Reason:        e.Reason,
		Detail:        detail,
	})
	if err != nil {
		r.log.Error("audit append failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		return e, err
	}
	e.Seq = seq
	if r.bus != nil {
		r.bus.Publish(events.EventAudit, e)
	}
	return e, nil
}

func fromRow(a db.AuditRow) Entry {
	e := Entry{
		Seq:           a.Seq,
		ID:            a.ID,
		Kind:          Kind(a.Kind),
		Timestamp:     a.Timestamp,
		InstanceID:    a.InstanceID,
		ConfigVersion: a.ConfigVersion,
		SignalID:      a.SignalID,
		DecisionID:    a.DecisionID,
		GroupID:       a.GroupID,
		ClientOrderID: a.ClientOrderID,
		Outcome:       a.Outcome,
		Reason:        a.Reason,
	}
	if a.Detail != "" {
		e.Detail = json.RawMessage(a.Detail)
	}
	return e
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.RecentAudit(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Incident captures the engine state with the triggering event, persists it
// and appends an INCIDENT audit entry pointing at it.
func (r *Recorder) Incident(ctx context.Context, trigger string, detail any) (Snapshot, error) {
	snap := Snapshot{
		ID:            uuid.NewString(),
		Trigger:       trigger,
		CreatedAt:     r.clock.Now().UTC(),
		ConfigVersion: r.opts.Version(),
		Detail:        detail,
	}
	r.mu.RLock()
	stateFn := r.state
	r.mu.RUnlock()
	if stateFn != nil {
		snap.State = stateFn(ctx)
	}
	recent, err := r.Recent(ctx, r.opts.RecentLimit)
	if err != nil {
		r.log.Warn("incident without recent audit", zap.Error(err))
	}
	snap.RecentAudit = recent

	payload, err := json.Marshal(snap)
	if err != nil {
		return snap, fmt.Errorf("encode incident: %w", err)
	}
	if err := r.db.InsertIncident(ctx, db.IncidentRow{
		ID:            snap.ID,
		Trigger:       trigger,
		CreatedAt:     snap.CreatedAt,
		ConfigVersion: snap.ConfigVersion,
		Payload:       string(payload),
	}); err != nil {
		return snap, err
	}
	if err := r.writeFile(snap, payload); err != nil {
		r.log.Error("incident file write failed", zap.String("incident_id", snap.ID), zap.Error(err))
	}
	r.log.Warn("incident recorded", zap.String("incident_id", snap.ID), zap.String("trigger", trigger))

	if _, err := r.Append(ctx, Entry{
		Kind:   KindIncident,
		Reason: trigger,
		Detail: map[string]string{"incident_id": snap.ID},
	}); err != nil {
		return snap, err
	}
	if r.bus != nil {
		r.bus.Publish(events.EventIncident, snap)
	}
	return snap, nil
}

func (r *Recorder) writeFile(snap Snapshot, payload []byte) error {
	if r.opts.IncidentDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.opts.IncidentDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.json", snap.CreatedAt.Format("20060102T150405.000"), snap.ID)
	f, err := os.OpenFile(filepath.Join(r.opts.IncidentDir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Incidents returns recent snapshots, newest first.
func (r *Recorder) Incidents(ctx context.Context, limit int) ([]Snapshot, error) {
	rows, err := r.db.RecentIncidents(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		var snap Snapshot
		if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
			return nil, fmt.Errorf("decode incident %s: %w", row.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}
