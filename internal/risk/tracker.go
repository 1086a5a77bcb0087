package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/model"
	"execution-core/pkg/db"
)

type exposure struct {
	symbol string
	risk   float64
}

// Tracker holds the incremental RiskState. Admission evaluates and reserves
// heat under one mutex, so concurrent approvals cannot jointly breach a cap.
// Exposures are released only by confirmed terminal group transitions.
type Tracker struct {
	mu         sync.Mutex
	db         *db.Database
	caps       func() Caps
	unrealized func() float64
	log        *zap.Logger

	day       string
	realized  float64
	exposures map[string]exposure // key: group id

	checks     uint64
	rejections map[model.Reason]uint64
}

// NewTracker creates a tracker. caps is read on every admission so a config
// swap takes effect on the next signal; unrealized may be nil.
func NewTracker(database *db.Database, caps func() Caps, unrealized func() float64, log *zap.Logger) *Tracker {
	if unrealized == nil {
		unrealized = func() float64 { return 0 }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		db:         database,
		caps:       caps,
		unrealized: unrealized,
		log:        log,
		exposures:  make(map[string]exposure),
		rejections: make(map[model.Reason]uint64),
	}
}

// Load restores the realized P&L recorded for day.
func (t *Tracker) Load(ctx context.Context, day string) error {
	var realized float64
	if t.db != nil {
		v, err := t.db.DailyRealized(ctx, day)
		if err != nil {
			return fmt.Errorf("load daily realized: %w", err)
		}
		realized = v
	}
	t.mu.Lock()
	t.day = day
	t.realized = realized
	t.mu.Unlock()
	return nil
}

func (t *Tracker) stateLocked(caps Caps) State {
	var open float64
	for _, e := range t.exposures {
		open += e.risk
	}
	unrealized := t.unrealized()
	st := State{
		OpenRisk:          open,
		RealizedPnL:       t.realized,
		UnrealizedPnL:     unrealized,
		DailyPnL:          t.realized + unrealized,
		OpenPositionCount: len(t.exposures),
		Day:               t.day,
		Caps:              caps,
	}
	if caps.Capital > 0 {
		st.PortfolioHeat = open / caps.Capital
	}
	return st
}

// Admit evaluates sig and, on approval, reserves its risk under groupID.
// Re-admitting a group already holding a reservation returns the same sizing
// without reserving twice.
func (t *Tracker) Admit(sig model.Signal, groupID string) (Evaluation, State) {
	caps := t.caps()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.checks++
	st := t.stateLocked(caps)
	if e, ok := t.exposures[groupID]; ok {
		sizing, _ := Size(sig, caps)
		t.log.Warn("group already admitted", zap.String("group_id", groupID), zap.Float64("risk", e.risk))
		return Evaluation{Approved: true, Reason: model.ReasonNone, Sizing: sizing}, st
	}

	ev := Evaluate(sig, st, caps)
	if !ev.Approved {
		t.rejections[ev.Reason]++
		return ev, st
	}
	t.exposures[groupID] = exposure{symbol: sig.Symbol, risk: ev.Sizing.RiskAmount}
	return ev, t.stateLocked(caps)
}

// Restore registers an exposure recovered from storage without evaluating it.
func (t *Tracker) Restore(groupID, symbol string, risk float64) {
	t.mu.Lock()
	t.exposures[groupID] = exposure{symbol: symbol, risk: risk}
	t.mu.Unlock()
}

// Resize replaces a reservation, e.g. after a partial entry fill.
func (t *Tracker) Resize(groupID string, risk float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.exposures[groupID]; ok {
		e.risk = risk
		t.exposures[groupID] = e
	}
}

// Release drops the reservation held by groupID. Unknown ids are ignored.
func (t *Tracker) Release(groupID string) {
	t.mu.Lock()
	delete(t.exposures, groupID)
	t.mu.Unlock()
}

// RecordRealized adds realized P&L to the current day and persists it.
func (t *Tracker) RecordRealized(ctx context.Context, pnl float64, at time.Time) error {
	if pnl == 0 {
		return nil
	}
	t.mu.Lock()
	t.realized += pnl
	day := t.day
	t.mu.Unlock()

	if t.db == nil || day == "" {
		return nil
	}
	if err := t.db.AddDailyRealized(ctx, day, pnl, at); err != nil {
		return fmt.Errorf("persist daily realized: %w", err)
	}
	return nil
}

// RollDay starts a new trading day. Open exposures carry over.
func (t *Tracker) RollDay(day string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if day == t.day {
		return false
	}
	t.log.Info("risk day rolled",
		zap.String("previous", t.day),
		zap.String("day", day),
		zap.Float64("realized", t.realized))
	t.day = day
	t.realized = 0
	return true
}

// Snapshot returns the current RiskState.
func (t *Tracker) Snapshot() State {
	caps := t.caps()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(caps)
}

// Groups lists group ids currently holding a reservation.
func (t *Tracker) Groups() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.exposures))
	for id := range t.exposures {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats reports admission counters.
type Stats struct {
	Checks     uint64                  `json:"checks"`
	Rejections map[model.Reason]uint64 `json:"rejections"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	rej := make(map[model.Reason]uint64, len(t.rejections))
	for k, v := range t.rejections {
		rej[k] = v
	}
	return Stats{Checks: t.checks, Rejections: rej}
}
