package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
)

// Position is the JSON view of a symbol's net position.
type Position struct {
	Symbol        string    `json:"symbol"`
	Qty           float64   `json:"qty"`
	AvgPrice      float64   `json:"avg_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarkPrice     float64   `json:"mark_price,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type book struct {
	qty      decimal.Decimal // signed, long positive
	avg      decimal.Decimal
	realized decimal.Decimal
	updated  time.Time
}

// Manager keeps the net position per symbol. It is written only by the OCO
// lifecycle manager when a fill is confirmed, and persists every change.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*book
	locks     *cache.KeyedMutex
	marks     *cache.MarkCache
	db        *db.Database
}

func NewManager(database *db.Database, marks *cache.MarkCache) *Manager {
	if marks == nil {
		marks = cache.NewMarkCache()
	}
	return &Manager{
		positions: make(map[string]*book),
		locks:     cache.NewKeyedMutex(64),
		marks:     marks,
		db:        database,
	}
}

// Load seeds in-memory state from DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		b := &book{updated: r.UpdatedAt}
		if b.qty, err = decimal.NewFromString(r.Qty); err != nil {
			return fmt.Errorf("position %s qty: %w", r.Symbol, err)
		}
		if b.avg, err = decimal.NewFromString(r.AvgPrice); err != nil {
			return fmt.Errorf("position %s avg: %w", r.Symbol, err)
		}
		if b.realized, err = decimal.NewFromString(r.RealizedPnL); err != nil {
			return fmt.Errorf("position %s realized: %w", r.Symbol, err)
		}
		m.positions[r.Symbol] = b
	}
	return nil
}

// Marks exposes the mark cache shared with the tick feed.
func (m *Manager) Marks() *cache.MarkCache { return m.marks }

// RecordFill applies a confirmed fill and returns the P&L it realized.
func (m *Manager) RecordFill(ctx context.Context, symbol string, side broker.Side, qty, price float64, at time.Time) (Position, float64, error) {
	if qty <= 0 {
		return m.Position(symbol), 0, nil
	}
	unlock := m.locks.Lock(symbol)
	defer unlock()

	m.mu.Lock()
	b, ok := m.positions[symbol]
	if !ok {
		b = &book{}
		m.positions[symbol] = b
	}
	m.mu.Unlock()

	q := decimal.NewFromFloat(qty)
	if side == broker.SideSell {
		q = q.Neg()
	}
	px := decimal.NewFromFloat(price)
	realized := decimal.Zero

	switch {
	case b.qty.IsZero() || b.qty.Sign() == q.Sign():
		// Opening or adding: blend the average.
		total := b.qty.Add(q)
		b.avg = b.avg.Mul(b.qty.Abs()).Add(px.Mul(q.Abs())).Div(total.Abs())
		b.qty = total
	default:
		// Reducing, closing or flipping.
		closing := decimal.Min(b.qty.Abs(), q.Abs())
		direction := decimal.NewFromInt(int64(b.qty.Sign()))
		realized = px.Sub(b.avg).Mul(closing).Mul(direction)
		b.realized = b.realized.Add(realized)
		remaining := b.qty.Add(q)
		switch {
		case remaining.IsZero():
			b.avg = decimal.Zero
		case remaining.Sign() != b.qty.Sign():
			b.avg = px
		}
		b.qty = remaining
	}
	b.updated = at

	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, db.PositionRow{
			Symbol:      symbol,
			Qty:         b.qty.String(),
			AvgPrice:    b.avg.String(),
			RealizedPnL: b.realized.String(),
			UpdatedAt:   at,
		}); err != nil {
			return m.viewLocked(symbol, b), realized.InexactFloat64(), err
		}
	}
	return m.viewLocked(symbol, b), realized.InexactFloat64(), nil
}

func (m *Manager) viewLocked(symbol string, b *book) Position {
	p := Position{
		Symbol:      symbol,
		Qty:         b.qty.InexactFloat64(),
		AvgPrice:    b.avg.InexactFloat64(),
		RealizedPnL: b.realized.InexactFloat64(),
		UpdatedAt:   b.updated,
	}
	if mark, ok := m.marks.Get(symbol); ok && !b.qty.IsZero() {
		p.MarkPrice = mark.Price
		p.UnrealizedPnL = decimal.NewFromFloat(mark.Price).Sub(b.avg).Mul(b.qty).InexactFloat64()
	}
	return p
}

// Position returns the latest view for symbol.
func (m *Manager) Position(symbol string) Position {
	unlock := m.locks.Lock(symbol)
	defer unlock()
	m.mu.RLock()
	b, ok := m.positions[symbol]
	m.mu.RUnlock()
	if !ok {
		return Position{Symbol: symbol}
	}
	return m.viewLocked(symbol, b)
}

func (m *Manager) symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for sym := range m.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Positions returns every symbol ever traded, flat ones included.
func (m *Manager) Positions() []Position {
	syms := m.symbols()
	out := make([]Position, 0, len(syms))
	for _, sym := range syms {
		out = append(out, m.Position(sym))
	}
	return out
}

// Open returns only non-flat positions.
func (m *Manager) Open() []Position {
	var out []Position
	for _, p := range m.Positions() {
		if p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out
}

// Unrealized sums mark-to-market P&L across open positions.
func (m *Manager) Unrealized() float64 {
	total := decimal.Zero
	for _, p := range m.Open() {
		total = total.Add(decimal.NewFromFloat(p.UnrealizedPnL))
	}
	return total.InexactFloat64()
}

// Quantities returns the signed net quantity per non-flat symbol.
func (m *Manager) Quantities() map[string]float64 {
	out := make(map[string]float64)
	for _, p := range m.Open() {
		out[p.Symbol] = p.Qty
	}
	return out
}
