// Package pipeline turns strategy signals into recorded decisions and, for
// approved ones, OCO groups. A signal redelivered inside its dedup window
// gets the recorded decision back verbatim.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/audit"
	"execution-core/internal/ledger"
	"execution-core/internal/model"
	"execution-core/internal/oco"
	"execution-core/internal/risk"
	"execution-core/pkg/cache"
	"execution-core/pkg/clock"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// GroupOpener creates the OCO group for an approved decision.
type GroupOpener interface {
	Create(ctx context.Context, dec model.Decision) (oco.Group, error)
}

// Auditor appends the one audit entry each call produces.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Window reports whether new entries are allowed at a given time.
type Window interface {
	EntryAllowed(t time.Time) bool
}

// Observer receives one call per handled signal.
type Observer interface {
	ObserveDecision(outcome string, reason model.Reason, latency time.Duration)
}

// Deps wires the pipeline. Lease, Ready and Entries are read on every call;
// none of them is cached.
type Deps struct {
	Ledger   ledger.Ledger
	Risk     *risk.Tracker
	Groups   GroupOpener
	DB       *db.Database
	Audit    Auditor
	Config   func() *config.Snapshot
	Lease    func() model.LeaseState
	Ready    func() bool
	Entries  func() bool
	Window   Window
	Clock    clock.Clock
	Logger   *zap.Logger
	Observer Observer
}

type Pipeline struct {
	d     Deps
	locks *cache.KeyedMutex
	log   *zap.Logger
	clock clock.Clock
}

func New(d Deps) *Pipeline {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Config == nil {
		def := config.DefaultSnapshot()
		d.Config = func() *config.Snapshot { return def }
	}
	if d.Ready == nil {
		d.Ready = func() bool { return true }
	}
	if d.Entries == nil {
		d.Entries = func() bool { return true }
	}
	return &Pipeline{d: d, locks: cache.NewKeyedMutex(256), log: d.Logger, clock: d.Clock}
}

// Handle runs one signal through validation, dedup, gates and risk, and
// forwards approved decisions to the lifecycle manager. Rejections come back
// as a decision with a nil error; the error is reserved for invalid input and
// infrastructure failures.
func (p *Pipeline) Handle(ctx context.Context, sig model.Signal) (model.Decision, error) {
	start := p.clock.Now()
	snap := p.d.Config()

	if err := sig.Validate(); err != nil {
		p.record(ctx, audit.Entry{Kind: audit.KindInvalid, SignalID: sig.SignalID, Outcome: "INVALID", Reason: err.Error()})
		p.observe("INVALID", model.ReasonInvalidSignal, start)
		return model.Decision{}, err
	}

	fp := model.Fingerprint(sig, snap.Ledger.DedupWindow)
	unlock := p.locks.Lock(fp)
	defer unlock()

	now := p.clock.Now()
	if rec, ok, err := p.d.Ledger.Lookup(ctx, fp, now); err != nil {
		return p.fail(ctx, sig, fp, start, fmt.Errorf("ledger lookup: %w", err))
	} else if ok {
		p.duplicate(ctx, sig, rec.Decision, start)
		return rec.Decision, nil
	}

	if err := p.persistSignal(ctx, sig, fp, now); err != nil {
		return p.fail(ctx, sig, fp, start, err)
	}

	dec := model.Decision{
		DecisionID:    uuid.NewString(),
		SignalID:      sig.SignalID,
		Fingerprint:   fp,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		ConfigVersion: snap.Version,
		CreatedAt:     now,
	}

	lease := p.d.Lease()
	dec.LeaseHolder = lease.InstanceID
	if reason := p.gate(lease, now); reason != model.ReasonNone {
		return p.reject(ctx, sig, dec, reason, start, false)
	}

	groupID := model.DeriveID(fp, "GROUP")
	ev, _ := p.d.Risk.Admit(sig, groupID)
	dec.Sizing = ev.Sizing
	if !ev.Approved {
		return p.reject(ctx, sig, dec, ev.Reason, start, true)
	}

	// The lease is checked again at the mutation point; it may have lapsed
	// while risk was evaluated.
	if !p.d.Lease().Valid(p.clock.Now()) {
		p.d.Risk.Release(groupID)
		return p.reject(ctx, sig, dec, model.ReasonLeadershipLost, start, false)
	}

	dec.Outcome = model.OutcomeApproved
	dec.Reason = model.ReasonNone
	dec.GroupID = groupID
	if err := p.persistDecision(ctx, dec); err != nil {
		p.d.Risk.Release(groupID)
		return p.fail(ctx, sig, fp, start, err)
	}
	existing, created, err := p.d.Ledger.Record(ctx, p.ledgerRecord(dec, now), now)
	if err != nil {
		p.d.Risk.Release(groupID)
		return p.fail(ctx, sig, fp, start, fmt.Errorf("ledger record: %w", err))
	}
	if !created {
		if existing.Decision.GroupID != groupID {
			p.d.Risk.Release(groupID)
		}
		p.duplicate(ctx, sig, existing.Decision, start)
		return existing.Decision, nil
	}

	g, err := p.d.Groups.Create(ctx, dec)
	entry := audit.Entry{
		Kind:       audit.KindDecision,
		SignalID:   sig.SignalID,
		DecisionID: dec.DecisionID,
		GroupID:    groupID,
		Outcome:    string(dec.Outcome),
		Reason:     string(dec.Reason),
		Detail:     map[string]any{"sizing": dec.Sizing, "group_state": g.State, "lease_fencing": lease.Fencing},
	}
	if err != nil {
		entry.Detail = map[string]any{"sizing": dec.Sizing, "group_state": g.State, "error": err.Error()}
		p.record(ctx, entry)
		p.observe(string(dec.Outcome), dec.Reason, start)
		p.log.Error("entry not placed", zap.String("decision_id", dec.DecisionID), zap.String("group_id", groupID), zap.Error(err))
		return dec, fmt.Errorf("open group for decision %s: %w", dec.DecisionID, err)
	}
	p.record(ctx, entry)
	p.observe(string(dec.Outcome), dec.Reason, start)
	p.log.Info("signal approved",
		zap.String("signal_id", sig.SignalID),
		zap.String("decision_id", dec.DecisionID),
		zap.String("group_id", groupID),
		zap.Float64("qty", dec.Sizing.Qty),
		zap.Float64("risk", dec.Sizing.RiskAmount))
	return dec, nil
}

// gate applies the entry gates in order: leadership, readiness, operator
// pause, market hours.
func (p *Pipeline) gate(lease model.LeaseState, now time.Time) model.Reason {
	switch {
	case !lease.Valid(now):
		return model.ReasonLeadershipLost
	case !p.d.Ready():
		return model.ReasonNotReady
	case !p.d.Entries():
		return model.ReasonEntriesPaused
	case p.d.Window != nil && !p.d.Window.EntryAllowed(now):
		return model.ReasonOutsideEntryWindow
	}
	return model.ReasonNone
}

// reject persists a rejected decision. Risk rejections are remembered in the
// ledger; gate rejections are not, so the signal can be redelivered once the
// gate opens.
func (p *Pipeline) reject(ctx context.Context, sig model.Signal, dec model.Decision, reason model.Reason, start time.Time, remember bool) (model.Decision, error) {
	dec.Outcome = model.OutcomeRejected
	dec.Reason = reason
	if err := p.persistDecision(ctx, dec); err != nil {
		return p.fail(ctx, sig, dec.Fingerprint, start, err)
	}
	if remember && !reason.Transient() {
		now := p.clock.Now()
		existing, created, err := p.d.Ledger.Record(ctx, p.ledgerRecord(dec, now), now)
		if err != nil {
			return p.fail(ctx, sig, dec.Fingerprint, start, fmt.Errorf("ledger record: %w", err))
		}
		if !created {
			p.duplicate(ctx, sig, existing.Decision, start)
			return existing.Decision, nil
		}
	}
	p.record(ctx, audit.Entry{
		Kind:       audit.KindDecision,
		SignalID:   sig.SignalID,
		DecisionID: dec.DecisionID,
		Outcome:    string(dec.Outcome),
		Reason:     string(reason),
		Detail:     map[string]any{"sizing": dec.Sizing, "transient": reason.Transient()},
	})
	p.observe(string(dec.Outcome), reason, start)
	p.log.Info("signal rejected", zap.String("signal_id", sig.SignalID), zap.String("reason", string(reason)))
	return dec, nil
}

func (p *Pipeline) duplicate(ctx context.Context, sig model.Signal, dec model.Decision, start time.Time) {
	p.record(ctx, audit.Entry{
		Kind:       audit.KindDuplicate,
		SignalID:   sig.SignalID,
		DecisionID: dec.DecisionID,
		GroupID:    dec.GroupID,
		Outcome:    string(dec.Outcome),
		Reason:     string(dec.Reason),
	})
	p.observe("DUPLICATE", dec.Reason, start)
	p.log.Debug("duplicate signal", zap.String("signal_id", sig.SignalID), zap.String("decision_id", dec.DecisionID))
}

func (p *Pipeline) fail(ctx context.Context, sig model.Signal, fp string, start time.Time, err error) (model.Decision, error) {
	p.record(ctx, audit.Entry{
		Kind:     audit.KindDecision,
		SignalID: sig.SignalID,
		Outcome:  "ERROR",
		Reason:   string(model.Kind(err)),
		Detail:   map[string]any{"fingerprint": fp, "error": err.Error()},
	})
	p.observe("ERROR", model.ReasonNone, start)
	p.log.Error("signal handling failed", zap.String("signal_id", sig.SignalID), zap.Error(err))
	return model.Decision{}, err
}

func (p *Pipeline) record(ctx context.Context, e audit.Entry) {
	if p.d.Audit == nil {
		return
	}
	if _, err := p.d.Audit.Append(ctx, e); err != nil {
		p.log.Error("decision audit failed", zap.String("signal_id", e.SignalID), zap.Error(err))
	}
}

func (p *Pipeline) observe(outcome string, reason model.Reason, start time.Time) {
	if p.d.Observer != nil {
		p.d.Observer.ObserveDecision(outcome, reason, p.clock.Now().Sub(start))
	}
}

func (p *Pipeline) ledgerRecord(dec model.Decision, now time.Time) ledger.Record {
	ttl := p.d.Config().Ledger.TTL
	return ledger.Record{Fingerprint: dec.Fingerprint, Decision: dec, RecordedAt: now, ExpiresAt: now.Add(ttl)}
}

func (p *Pipeline) persistSignal(ctx context.Context, sig model.Signal, fp string, now time.Time) error {
	if p.d.DB == nil {
		return nil
	}
	features, err := json.Marshal(sig.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	return p.d.DB.InsertSignal(ctx, db.SignalRow{
		SignalID:    sig.SignalID,
		StrategyID:  sig.StrategyID,
		Symbol:      sig.Symbol,
		Side:        string(sig.Side),
		Timestamp:   sig.Timestamp,
		Fingerprint: fp,
		Features:    string(features),
		ReceivedAt:  now,
	})
}

func (p *Pipeline) persistDecision(ctx context.Context, dec model.Decision) error {
	if p.d.DB == nil {
		return nil
	}
	sizing, err := json.Marshal(dec.Sizing)
	if err != nil {
		return fmt.Errorf("encode sizing: %w", err)
	}
	err = p.d.DB.InsertDecision(ctx, db.DecisionRow{
		DecisionID:    dec.DecisionID,
		SignalID:      dec.SignalID,
		Fingerprint:   dec.Fingerprint,
		Symbol:        dec.Symbol,
		Side:          string(dec.Side),
		Outcome:       string(dec.Outcome),
		Reason:        string(dec.Reason),
		Sizing:        string(sizing),
		GroupID:       dec.GroupID,
		ConfigVersion: dec.ConfigVersion,
		LeaseHolder:   dec.LeaseHolder,
		CreatedAt:     dec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("persist decision: %w: %w", model.ErrTransientTransport, err)
	}
	return nil
}
