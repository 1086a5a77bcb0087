package monitor

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"execution-core/internal/heartbeat"
	"execution-core/internal/model"
	"execution-core/internal/risk"
	"execution-core/pkg/broker"
)

type recordSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordSink) Send(msg string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func TestObserversFeedCollectors(t *testing.T) {
	m := NewMetrics()
	m.ObserveDecision("APPROVED", model.ReasonNone, 2*time.Millisecond)
	m.ObserveDecision("REJECTED", model.ReasonHeatCapExceeded, time.Millisecond)
	m.ObserveDecision("REJECTED", model.ReasonHeatCapExceeded, time.Millisecond)
	m.ObserveBrokerCall("submit", 10*time.Millisecond, broker.ErrTimeout)
	m.ObserveBrokerCall("submit", 5*time.Millisecond, nil)
	m.ObserveBrokerRetry("submit")
	m.ObserveFlatten("SUCCESS", time.Second)
	m.ObserveMode("LIVE")
	m.ObserveMode("PAPER")

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("REJECTED", string(model.ReasonHeatCapExceeded))); got != 2 {
		t.Fatalf("heat rejections=%v", got)
	}
	if got := testutil.ToFloat64(m.brokerRetry.WithLabelValues("submit")); got != 1 {
		t.Fatalf("retries=%v", got)
	}
	if got := testutil.ToFloat64(m.flattens.WithLabelValues("SUCCESS")); got != 1 {
		t.Fatalf("flattens=%v", got)
	}
	if got := testutil.CollectAndCount(m.mode); got != 1 {
		t.Fatalf("mode series=%d", got)
	}
	if got := testutil.CollectAndCount(m.brokerCalls); got != 2 {
		t.Fatalf("broker call series=%d", got)
	}
	if st := m.DecisionLatency.Stats(); st.Count != 3 || st.Max != 2 {
		t.Fatalf("decision latency=%+v", st)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.SetLeader(true)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "execution_leader 1") {
		t.Fatalf("leader gauge missing")
	}
}

func TestRulesAlertOnEdge(t *testing.T) {
	caps := risk.Caps{Capital: 100000, MaxPortfolioHeat: 0.02, MaxDailyLoss: 0.03}
	sample := Sample{Leader: true, Readiness: heartbeat.Status{Ready: true}, Risk: risk.State{Caps: caps, PortfolioHeat: 0.019}}
	sink := &recordSink{}
	mon := &Monitor{Metrics: NewMetrics(), Sinks: []AlertSink{sink}, Sampler: func() Sample { return sample }, Rules: DefaultRules()}

	mon.Tick()
	mon.Tick()
	if len(sink.msgs) != 1 || !strings.HasPrefix(sink.msgs[0], "heat_near_cap") {
		t.Fatalf("msgs=%v", sink.msgs)
	}

	sample.Risk.PortfolioHeat = 0.01
	mon.Tick()
	sample.Risk.PortfolioHeat = 0.0195
	sample.Risk.DailyPnL = -2500
	mon.Tick()
	if len(sink.msgs) != 3 {
		t.Fatalf("msgs=%v", sink.msgs)
	}
	if got := testutil.ToFloat64(mon.Metrics.heat); got != 0.0195 {
		t.Fatalf("heat gauge=%v", got)
	}
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}
	st := h.Stats()
	if st.Count != 3 || st.Min != 20 || st.Max != 40 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestLogSinkNeedsLogger(t *testing.T) {
	if err := (LogSink{}).Send("x"); err == nil {
		t.Fatalf("expected error")
	}
}
