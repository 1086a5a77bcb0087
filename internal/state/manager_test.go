package state

import (
	"context"
	"testing"
	"time"

	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
)

func TestRecordFillRealizesPnL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewManager(nil, nil)

	tests := []struct {
		name         string
		side         broker.Side
		qty, price   float64
		wantQty      float64
		wantAvg      float64
		wantRealized float64
	}{
		{"open long", broker.SideBuy, 50, 100, 50, 100, 0},
		{"add long", broker.SideBuy, 50, 110, 100, 105, 0},
		{"partial close", broker.SideSell, 40, 115, 60, 105, 400},
		{"flip short", broker.SideSell, 80, 100, -20, 100, -300},
		{"close short", broker.SideBuy, 20, 90, 0, 0, 200},
	}
	for _, tt := range tests {
		p, realized, err := m.RecordFill(ctx, "NIFTY", tt.side, tt.qty, tt.price, now)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if p.Qty != tt.wantQty || p.AvgPrice != tt.wantAvg || realized != tt.wantRealized {
			t.Fatalf("%s: qty=%v avg=%v realized=%v", tt.name, p.Qty, p.AvgPrice, realized)
		}
	}
	if got := m.Position("NIFTY").RealizedPnL; got != 300 {
		t.Fatalf("total realized=%v", got)
	}
	if len(m.Open()) != 0 {
		t.Fatalf("position should be flat")
	}
}

func TestUnrealizedUsesMarks(t *testing.T) {
	marks := cache.NewMarkCache()
	m := NewManager(nil, marks)
	ctx := context.Background()
	now := time.Now()

	m.RecordFill(ctx, "NIFTY", broker.SideBuy, 10, 100, now)
	m.RecordFill(ctx, "BANKNIFTY", broker.SideSell, 5, 200, now)
	marks.Set("NIFTY", 95, now)
	marks.Set("BANKNIFTY", 190, now)

	// -50 on the long, +50 on the short.
	if got := m.Unrealized(); got != 0 {
		t.Fatalf("unrealized=%v", got)
	}
	if got := m.Position("NIFTY").UnrealizedPnL; got != -50 {
		t.Fatalf("NIFTY unrealized=%v", got)
	}
	q := m.Quantities()
	if q["NIFTY"] != 10 || q["BANKNIFTY"] != -5 {
		t.Fatalf("quantities=%v", q)
	}
}

func TestPositionsSurviveReload(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m := NewManager(database, nil)
	if _, _, err := m.RecordFill(ctx, "NIFTY", broker.SideBuy, 25, 22000.5, time.Now()); err != nil {
		t.Fatal(err)
	}

	reloaded := NewManager(database, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := reloaded.Position("NIFTY")
	if p.Qty != 25 || p.AvgPrice != 22000.5 {
		t.Fatalf("reloaded=%+v", p)
	}
}
