package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrFrozen is returned when a snapshot swap is attempted while frozen.
	ErrFrozen = errors.New("config snapshot is frozen")
	// ErrInvalid wraps snapshot validation failures.
	ErrInvalid = errors.New("invalid config snapshot")
)

// RiskSection holds the risk caps, expressed as fractions of capital.
type RiskSection struct {
	Capital          float64 `yaml:"capital" json:"capital"`
	PerTradeRisk     float64 `yaml:"per_trade_risk" json:"per_trade_risk"`
	MaxPortfolioHeat float64 `yaml:"max_portfolio_heat" json:"max_portfolio_heat"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxOpenPositions int     `yaml:"max_open_positions" json:"max_open_positions"`
	LotSize          float64 `yaml:"lot_size" json:"lot_size"`
	MinQty           float64 `yaml:"min_qty" json:"min_qty"`
}

type LedgerSection struct {
	DedupWindow time.Duration `yaml:"dedup_window" json:"dedup_window"`
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
}

type OCOSection struct {
	ChildSubmitAttempts int           `yaml:"child_submit_attempts" json:"child_submit_attempts"`
	FillGrace           time.Duration `yaml:"fill_grace" json:"fill_grace"`
	EntryOrderType      string        `yaml:"entry_order_type" json:"entry_order_type"`
}

type SessionSection struct {
	Timezone   string   `yaml:"timezone" json:"timezone"`
	Weekdays   []string `yaml:"weekdays" json:"weekdays"`
	Open       string   `yaml:"open" json:"open"`
	EntryStart string   `yaml:"entry_start" json:"entry_start"`
	EntryEnd   string   `yaml:"entry_end" json:"entry_end"`
	FlattenAt  string   `yaml:"flatten_at" json:"flatten_at"`
	Close      string   `yaml:"close" json:"close"`
}

type KillSwitchSection struct {
	Budget time.Duration `yaml:"budget" json:"budget"`
}

type RetrySection struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// Snapshot is one immutable version of the engine configuration. Callers must
// treat it as read-only; a change produces a new Snapshot with a new Version.
type Snapshot struct {
	Version    string            `yaml:"-" json:"version"`
	LoadedAt   time.Time         `yaml:"-" json:"loaded_at"`
	Risk       RiskSection       `yaml:"risk" json:"risk"`
	Ledger     LedgerSection     `yaml:"ledger" json:"ledger"`
	OCO        OCOSection        `yaml:"oco" json:"oco"`
	Session    SessionSection    `yaml:"session" json:"session"`
	KillSwitch KillSwitchSection `yaml:"kill_switch" json:"kill_switch"`
	Retry      RetrySection      `yaml:"retry" json:"retry"`
}

// DefaultSnapshot returns conservative defaults for a 1,00,000 account on an
// Indian index session.
func DefaultSnapshot() *Snapshot {
	s := &Snapshot{}
	s.applyDefaults()
	s.Version = "default"
	return s
}

func (s *Snapshot) applyDefaults() {
	if s.Risk.Capital == 0 {
		s.Risk.Capital = 100000
	}
	if s.Risk.PerTradeRisk == 0 {
		s.Risk.PerTradeRisk = 0.01
	}
	if s.Risk.MaxPortfolioHeat == 0 {
		s.Risk.MaxPortfolioHeat = 0.02
	}
	if s.Risk.MaxDailyLoss == 0 {
		s.Risk.MaxDailyLoss = 0.03
	}
	if s.Risk.MaxOpenPositions == 0 {
		s.Risk.MaxOpenPositions = 5
	}
	if s.Risk.LotSize == 0 {
		s.Risk.LotSize = 1
	}
	if s.Risk.MinQty == 0 {
		s.Risk.MinQty = s.Risk.LotSize
	}
	if s.Ledger.DedupWindow == 0 {
		s.Ledger.DedupWindow = time.Minute
	}
	if s.Ledger.TTL == 0 {
		s.Ledger.TTL = 24 * time.Hour
	}
	if s.OCO.ChildSubmitAttempts == 0 {
		s.OCO.ChildSubmitAttempts = 3
	}
	if s.OCO.FillGrace == 0 {
		s.OCO.FillGrace = 30 * time.Second
	}
	if s.OCO.EntryOrderType == "" {
		s.OCO.EntryOrderType = "MARKET"
	}
	if s.Session.Timezone == "" {
		s.Session.Timezone = "Asia/Kolkata"
	}
	if len(s.Session.Weekdays) == 0 {
		s.Session.Weekdays = []string{"Mon", "Tue", "Wed", "Thu", "Fri"}
	}
	if s.Session.Open == "" {
		s.Session.Open = "09:15"
	}
	if s.Session.EntryStart == "" {
		s.Session.EntryStart = "09:20"
	}
	if s.Session.EntryEnd == "" {
		s.Session.EntryEnd = "15:00"
	}
	if s.Session.FlattenAt == "" {
		s.Session.FlattenAt = "15:15"
	}
	if s.Session.Close == "" {
		s.Session.Close = "15:30"
	}
	if s.KillSwitch.Budget == 0 {
		s.KillSwitch.Budget = 5 * time.Second
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 4
	}
	if s.Retry.BaseDelay == 0 {
		s.Retry.BaseDelay = 100 * time.Millisecond
	}
	if s.Retry.MaxDelay == 0 {
		s.Retry.MaxDelay = 2 * time.Second
	}
	if s.Retry.AttemptTimeout == 0 {
		s.Retry.AttemptTimeout = 3 * time.Second
	}
}

// Validate rejects snapshots the engine cannot run with.
func (s *Snapshot) Validate() error {
	r := s.Risk
	switch {
	case r.Capital <= 0:
		return fmt.Errorf("%w: risk.capital must be positive", ErrInvalid)
	case r.PerTradeRisk <= 0 || r.PerTradeRisk >= 1:
		return fmt.Errorf("%w: risk.per_trade_risk must be in (0,1)", ErrInvalid)
	case r.MaxPortfolioHeat < r.PerTradeRisk:
		return fmt.Errorf("%w: risk.max_portfolio_heat below per_trade_risk", ErrInvalid)
	case r.MaxDailyLoss <= 0:
		return fmt.Errorf("%w: risk.max_daily_loss must be positive", ErrInvalid)
	case r.MaxOpenPositions <= 0:
		return fmt.Errorf("%w: risk.max_open_positions must be positive", ErrInvalid)
	case r.LotSize <= 0 || r.MinQty <= 0:
		return fmt.Errorf("%w: risk.lot_size and risk.min_qty must be positive", ErrInvalid)
	case s.Ledger.DedupWindow <= 0 || s.Ledger.TTL <= 0:
		return fmt.Errorf("%w: ledger.dedup_window and ledger.ttl must be positive", ErrInvalid)
	case s.Ledger.TTL < s.Ledger.DedupWindow:
		return fmt.Errorf("%w: ledger.ttl shorter than ledger.dedup_window", ErrInvalid)
	case s.OCO.ChildSubmitAttempts <= 0:
		return fmt.Errorf("%w: oco.child_submit_attempts must be positive", ErrInvalid)
	case s.OCO.EntryOrderType != "MARKET" && s.OCO.EntryOrderType != "LIMIT":
		return fmt.Errorf("%w: oco.entry_order_type must be MARKET or LIMIT", ErrInvalid)
	case s.Retry.MaxAttempts <= 0:
		return fmt.Errorf("%w: retry.max_attempts must be positive", ErrInvalid)
	}
	if _, err := time.LoadLocation(s.Session.Timezone); err != nil {
		return fmt.Errorf("%w: session.timezone: %v", ErrInvalid, err)
	}
	return nil
}

// ParseSnapshot decodes YAML, fills defaults and stamps a content version.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	s.Version = hex.EncodeToString(sum[:])[:12]
	s.LoadedAt = time.Now()
	return &s, nil
}

// LoadSnapshot reads path; a missing file yields DefaultSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSnapshot(), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

// Registry publishes the active Snapshot. Swaps replace the pointer; the
// previous snapshot is never mutated.
type Registry struct {
	mu      sync.RWMutex
	current *Snapshot
	frozen  string
}

func NewRegistry(initial *Snapshot) *Registry {
	if initial == nil {
		initial = DefaultSnapshot()
	}
	return &Registry{current: initial}
}

func (r *Registry) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Apply makes next the active snapshot unless the registry is frozen.
func (r *Registry) Apply(next *Snapshot) error {
	if next == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != "" {
		return fmt.Errorf("%w at version %s", ErrFrozen, r.frozen)
	}
	r.current = next
	return nil
}

// Freeze pins the current version and returns it.
func (r *Registry) Freeze() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = r.current.Version
	return r.frozen
}

func (r *Registry) Unfreeze() {
	r.mu.Lock()
	r.frozen = ""
	r.mu.Unlock()
}

// Frozen returns the pinned version, or "" when not frozen.
func (r *Registry) Frozen() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
