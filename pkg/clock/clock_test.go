package clock

import (
	"testing"
	"time"
)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	m := NewManual(start)
	ch := m.After(10 * time.Second)

	m.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}

	m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatalf("timer did not fire")
	}
}

func TestManualIgnoresBackwardsSet(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	m := NewManual(start)
	m.Set(start.Add(-time.Minute))
	if !m.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", m.Now())
	}
}
