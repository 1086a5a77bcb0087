// Package heartbeat derives entry readiness from feed freshness.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"execution-core/pkg/clock"
)

// Feed names a tracked input stream.
type Feed string

const (
	FeedMarketData  Feed = "market_data"
	FeedOrderStream Feed = "order_stream"
)

// FeedStatus is the freshness view of one feed.
type FeedStatus struct {
	Feed       Feed          `json:"feed"`
	LastSeen   time.Time     `json:"last_seen,omitempty"`
	Age        time.Duration `json:"age_ns"`
	StaleAfter time.Duration `json:"stale_after_ns"`
	Seen       bool          `json:"seen"`
	Fresh      bool          `json:"fresh"`
}

// Status is the overall readiness view.
type Status struct {
	Ready bool         `json:"ready"`
	Feeds []FeedStatus `json:"feeds"`
}

// Monitor tracks last-seen timestamps. A feed never seen counts as stale.
// Readiness gates entries only; exits and flatten never consult it.
type Monitor struct {
	clock      clock.Clock
	mu         sync.RWMutex
	thresholds map[Feed]time.Duration
	lastSeen   map[Feed]time.Time
}

// New creates a monitor with one staleness threshold per feed.
func New(clk clock.Clock, thresholds map[Feed]time.Duration) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	th := make(map[Feed]time.Duration, len(thresholds))
	for f, d := range thresholds {
		th[f] = d
	}
	return &Monitor{clock: clk, thresholds: th, lastSeen: make(map[Feed]time.Time)}
}

// Record notes a heartbeat. Timestamps older than the current one and
// timestamps from the future are clamped, so a lagging or skewed producer
// cannot make a feed look fresher than it is.
func (m *Monitor) Record(feed Feed, ts time.Time) {
	now := m.clock.Now()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, tracked := m.thresholds[feed]; !tracked {
		return
	}
	if prev, ok := m.lastSeen[feed]; ok && !ts.After(prev) {
		return
	}
	m.lastSeen[feed] = ts
}

// IsReady requires every tracked feed to be fresher than its threshold.
func (m *Monitor) IsReady() bool {
	return m.Status().Ready
}

func (m *Monitor) Status() Status {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{Ready: len(m.thresholds) > 0}
	for feed, limit := range m.thresholds {
		fs := FeedStatus{Feed: feed, StaleAfter: limit}
		if seen, ok := m.lastSeen[feed]; ok {
			fs.Seen = true
			fs.LastSeen = seen
			fs.Age = now.Sub(seen)
			fs.Fresh = fs.Age < limit
		}
		if !fs.Fresh {
			st.Ready = false
		}
		st.Feeds = append(st.Feeds, fs)
	}
	sort.Slice(st.Feeds, func(i, j int) bool { return st.Feeds[i].Feed < st.Feeds[j].Feed })
	return st
}

// Watch polls readiness and calls onChange on every flip, starting with the
// first evaluation.
func (m *Monitor) Watch(ctx context.Context, every time.Duration, onChange func(Status)) {
	first := true
	var last bool
	for {
		st := m.Status()
		if first || st.Ready != last {
			onChange(st)
			last = st.Ready
			first = false
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(every):
		}
	}
}
