package monitor

import (
	"errors"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/heartbeat"
	"execution-core/internal/model"
	"execution-core/internal/oco"
	"execution-core/internal/risk"
	"execution-core/pkg/broker"
)

const namespace = "execution"

// Metrics owns the engine's Prometheus registry. It implements the observer
// hooks of the broker wrapper, the pipeline, the lifecycle manager, the
// controller and the reconciliation sweep.
type Metrics struct {
	reg *prometheus.Registry

	leader       prometheus.Gauge
	ready        prometheus.Gauge
	feedAge      *prometheus.GaugeVec
	brokerCalls  *prometheus.HistogramVec
	brokerRetry  *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	decisionTime prometheus.Histogram
	transitions  *prometheus.CounterVec
	openGroups   prometheus.Gauge
	heat         prometheus.Gauge
	dailyPnL     prometheus.Gauge
	openRisk     prometheus.Gauge
	flattens     *prometheus.CounterVec
	flattenTime  prometheus.Histogram
	mode         *prometheus.GaugeVec
	alerts       *prometheus.CounterVec
	incidents    *prometheus.CounterVec
	findings     prometheus.Gauge
	sweepTime    prometheus.Histogram

	// DecisionLatency keeps a sliding window for the JSON state view.
	DecisionLatency *LatencyHistogram
	BrokerLatency   *LatencyHistogram
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		leader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "leader",
			Help: "1 while this instance holds the leader lease.",
		}),
		ready: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready",
			Help: "1 while every heartbeat feed is fresh.",
		}),
		feedAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heartbeat_age_seconds",
			Help: "Seconds since the last heartbeat per feed.",
		}, []string{"feed"}),
		brokerCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "broker_call_seconds",
			Help:    "Broker call latency by operation and result.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op", "result"}),
		brokerRetry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broker_retries_total",
			Help: "Broker call retries by operation.",
		}, []string{"op"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total",
			Help: "Decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		decisionTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "decision_seconds",
			Help:    "Signal to decision latency.",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "group_transitions_total",
			Help: "OCO group state transitions by target state.",
		}, []string{"to"}),
		openGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_groups",
			Help: "OCO groups not yet terminal.",
		}),
		heat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "portfolio_heat_ratio",
			Help: "Open risk as a fraction of capital.",
		}),
		dailyPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_pnl",
			Help: "Realized plus unrealized P&L for the session day.",
		}),
		openRisk: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_risk",
			Help: "Sum of reserved risk across open groups.",
		}),
		flattens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flatten_total",
			Help: "Kill-switch runs by status.",
		}, []string{"status"}),
		flattenTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flatten_seconds",
			Help:    "Kill-switch run duration.",
			Buckets: []float64{.1, .25, .5, 1, 2, 3, 5, 10},
		}),
		mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mode",
			Help: "1 for the active trading mode.",
		}, []string{"mode"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Operator alerts by kind.",
		}, []string{"kind", "blocking"}),
		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "incidents_total",
			Help: "Incident snapshots by trigger.",
		}, []string{"trigger"}),
		findings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reconcile_findings",
			Help: "Inconsistencies found by the last sweep.",
		}),
		sweepTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reconcile_seconds",
			Help:    "Reconciliation sweep duration.",
			Buckets: prometheus.DefBuckets,
		}),
		DecisionLatency: NewLatencyHistogram(1000),
		BrokerLatency:   NewLatencyHistogram(1000),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) SetLeader(held bool) { m.leader.Set(boolGauge(held)) }

// SetReadiness records the heartbeat view.
func (m *Metrics) SetReadiness(st heartbeat.Status) {
	m.ready.Set(boolGauge(st.Ready))
	for _, f := range st.Feeds {
		age := f.Age.Seconds()
		if !f.Seen {
			age = -1
		}
		m.feedAge.WithLabelValues(string(f.Feed)).Set(age)
	}
}

// SetRisk records the portfolio view.
func (m *Metrics) SetRisk(st risk.State, openGroups int) {
	m.heat.Set(st.PortfolioHeat)
	m.dailyPnL.Set(st.DailyPnL)
	m.openRisk.Set(st.OpenRisk)
	m.openGroups.Set(float64(openGroups))
}

func (m *Metrics) ObserveBrokerCall(op string, latency time.Duration, err error) {
	result := "ok"
	switch {
	case err == nil:
	case broker.Transient(err):
		result = "transient"
	case errors.Is(err, broker.ErrRejected):
		result = "rejected"
	default:
		result = "error"
	}
	m.brokerCalls.WithLabelValues(op, result).Observe(latency.Seconds())
	m.BrokerLatency.RecordDuration(latency)
}

func (m *Metrics) ObserveBrokerRetry(op string) {
	m.brokerRetry.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveDecision(outcome string, reason model.Reason, latency time.Duration) {
	m.decisions.WithLabelValues(outcome, string(reason)).Inc()
	m.decisionTime.Observe(latency.Seconds())
	m.DecisionLatency.RecordDuration(latency)
}

func (m *Metrics) GroupTransition(_, to oco.State) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) ObserveFlatten(status string, elapsed time.Duration) {
	m.flattens.WithLabelValues(status).Inc()
	m.flattenTime.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveMode(mode string) {
	m.mode.Reset()
	m.mode.WithLabelValues(mode).Set(1)
}

func (m *Metrics) ObserveAlert(kind string, blocking bool) {
	m.alerts.WithLabelValues(kind, strconv.FormatBool(blocking)).Inc()
}

func (m *Metrics) ObserveIncident(trigger string) {
	m.incidents.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveSweep(findings int, elapsed time.Duration) {
	m.findings.Set(float64(findings))
	m.sweepTime.Observe(elapsed.Seconds())
}

// LatencyHistogram tracks latency samples in a sliding window.
// Stats are recomputed lazily when samples change.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is the JSON view of process health served with /state.
type Snapshot struct {
	DecisionLatency LatencyStats `json:"decision_latency_ms"`
	BrokerLatency   LatencyStats `json:"broker_latency_ms"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	HeapSys         uint64       `json:"heap_sys_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		DecisionLatency: m.DecisionLatency.Stats(),
		BrokerLatency:   m.BrokerLatency.Stats(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		HeapSys:         mem.HeapSys,
		Timestamp:       time.Now(),
	}
}
