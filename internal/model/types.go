package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side is the direction of a trade intent.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT and the BUY/SELL aliases.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrValidation, s)
}

// EntryAction is the broker side for opening a position in this direction.
func (s Side) EntryAction() string {
	if s == SideShort {
		return "SELL"
	}
	return "BUY"
}

// ExitAction is the broker side that reduces a position in this direction.
func (s Side) ExitAction() string {
	if s == SideShort {
		return "BUY"
	}
	return "SELL"
}

// FeatureSnapshot is the fixed set of strategy features the engine reads.
type FeatureSnapshot struct {
	EntryPrice  float64 `json:"entry_price"`
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price"`
	ATR         float64 `json:"atr,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Regime      string  `json:"regime,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
}

// Signal is an immutable trade intent emitted by a strategy.
type Signal struct {
	SignalID   string          `json:"signal_id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Timestamp  time.Time       `json:"timestamp"`
	Features   FeatureSnapshot `json:"feature_snapshot"`
}

// Validate checks the fields every signal must carry. Price geometry is the
// risk engine's concern.
func (s Signal) Validate() error {
	switch {
	case strings.TrimSpace(s.SignalID) == "":
		return fmt.Errorf("%w: signal_id is required", ErrValidation)
	case strings.TrimSpace(s.StrategyID) == "":
		return fmt.Errorf("%w: strategy_id is required", ErrValidation)
	case strings.TrimSpace(s.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	case s.Side != SideLong && s.Side != SideShort:
		return fmt.Errorf("%w: side must be LONG or SHORT", ErrValidation)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	f := s.Features
	for name, v := range map[string]float64{"entry_price": f.EntryPrice, "stop_price": f.StopPrice, "target_price": f.TargetPrice} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s must be a finite non-negative number", ErrValidation, name)
		}
	}
	if f.EntryPrice == 0 {
		return fmt.Errorf("%w: entry_price is required", ErrValidation)
	}
	return nil
}

// Outcome of a pipeline decision.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

// Reason enumerates why a decision was rejected.
type Reason string

const (
	ReasonNone                 Reason = "NONE"
	ReasonInvalidSignal        Reason = "INVALID_SIGNAL"
	ReasonInvalidStopDistance  Reason = "INVALID_STOP_DISTANCE"
	ReasonPerTradeRiskExceeded Reason = "PER_TRADE_RISK_EXCEEDED"
	ReasonHeatCapExceeded      Reason = "HEAT_CAP_EXCEEDED"
	ReasonDailyLossStop        Reason = "DAILY_LOSS_STOP"
	ReasonPositionCountCap     Reason = "POSITION_COUNT_CAP"
	ReasonLeadershipLost       Reason = "LEADERSHIP_LOST"
	ReasonNotReady             Reason = "NOT_READY"
	ReasonEntriesPaused        Reason = "ENTRIES_PAUSED"
	ReasonOutsideEntryWindow   Reason = "OUTSIDE_ENTRY_WINDOW"
)

// Transient reports whether a rejection depends on gate state that can
// change without the signal changing.
func (r Reason) Transient() bool {
	switch r {
	case ReasonLeadershipLost, ReasonNotReady, ReasonEntriesPaused, ReasonOutsideEntryWindow:
		return true
	}
	return false
}

// Sizing is what the risk engine derived for an approved entry.
type Sizing struct {
	Qty          float64 `json:"qty"`
	EntryPrice   float64 `json:"entry_price"`
	StopPrice    float64 `json:"stop_price"`
	TargetPrice  float64 `json:"target_price"`
	StopDistance float64 `json:"stop_distance"`
	RiskAmount   float64 `json:"risk_amount"`
	RiskFraction float64 `json:"risk_fraction"`
}

// Decision is the recorded outcome of handling one signal.
type Decision struct {
	DecisionID    string    `json:"decision_id"`
	SignalID      string    `json:"signal_id"`
	Fingerprint   string    `json:"fingerprint"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Outcome       Outcome   `json:"outcome"`
	Reason        Reason    `json:"reason"`
	Sizing        Sizing    `json:"sizing"`
	GroupID       string    `json:"group_id,omitempty"`
	ConfigVersion string    `json:"config_version"`
	LeaseHolder   string    `json:"lease_holder,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (d Decision) Approved() bool { return d.Outcome == OutcomeApproved }

// LeaseState is the leadership view a caller carries through an operation.
type LeaseState struct {
	InstanceID string    `json:"instance_id"`
	Held       bool      `json:"held"`
	ExpiresAt  time.Time `json:"expires_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	Fencing    int64     `json:"fencing"`
}

// Valid reports whether the lease still confers leadership at now.
func (l LeaseState) Valid(now time.Time) bool {
	return l.Held && now.Before(l.ExpiresAt)
}
