package cache

import (
	"sync"
	"testing"
	"time"
)

func TestMarkCacheKeepsNewest(t *testing.T) {
	c := NewMarkCache()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if !c.Set("NIFTY", 22000, t0) {
		t.Fatalf("first set rejected")
	}
	if c.Set("NIFTY", 21000, t0.Add(-time.Second)) {
		t.Fatalf("older mark overwrote newer one")
	}
	m, ok := c.Get("NIFTY")
	if !ok || m.Price != 22000 {
		t.Fatalf("mark=%+v ok=%v", m, ok)
	}
	if age, _ := c.Age("NIFTY", t0.Add(3*time.Second)); age != 3*time.Second {
		t.Fatalf("age=%v", age)
	}
	if n := c.Prune(t0.Add(time.Second)); n != 1 {
		t.Fatalf("pruned %d", n)
	}
	if len(c.All()) != 0 {
		t.Fatalf("cache not empty after prune")
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex(8)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.With("group-1", func() { counter++ })
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter=%d", counter)
	}
}
