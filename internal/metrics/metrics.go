// Package metrics exposes ledger, coordinator and HTTP metrics for
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

const namespace = "dayauction"

// Metrics owns a private registry so tests and multiple instances don't
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	instructions        *prometheus.CounterVec
	instructionDuration *prometheus.HistogramVec
	runs                *prometheus.CounterVec
	runDuration         prometheus.Histogram
	settleAttempts      prometheus.Histogram
	refunds             prometheus.Counter
	refundedAmount      prometheus.Counter
	feesCollected       prometheus.Counter
	refundFailures      prometheus.Counter
	pendingLosers       prometheus.Gauge
	lastRun             prometheus.Gauge
	httpDuration        *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		instructions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "instructions_total",
			Help:      "Executed instructions by name and result code.",
		}, []string{"instruction", "result"}),
		instructionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "instruction_duration_seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"instruction"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "runs_total",
			Help:      "Coordinator runs by outcome.",
		}, []string{"outcome"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "run_duration_seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 600, 900, 1800},
		}),
		settleAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "settle_attempts",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 40},
		}),
		refunds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "refunds_total",
		}),
		refundedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "refunded_native_units_total",
		}),
		feesCollected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "fees_collected_native_units_total",
		}),
		refundFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "refund_failures_total",
		}),
		pendingLosers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "pending_losers",
			Help:      "Losers still awaiting a refund after the last run.",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "last_run_timestamp_seconds",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 10},
		}, []string{"route", "status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveInstruction records one instruction execution. It satisfies
// ledger.Observer.
func (m *Metrics) ObserveInstruction(name string, elapsed time.Duration, err error) {
	m.instructions.WithLabelValues(name, resultLabel(err)).Inc()
	m.instructionDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveRun records a finished coordinator run.
func (m *Metrics) ObserveRun(r domain.RunReport) {
	m.runs.WithLabelValues(string(r.Outcome)).Inc()
	m.runDuration.Observe(r.Duration().Seconds())
	if r.SettleAttempts > 0 {
		m.settleAttempts.Observe(float64(r.SettleAttempts))
	}
	m.refunds.Add(float64(r.RefundedCount))
	m.refundedAmount.Add(float64(r.RefundedAmount))
	m.feesCollected.Add(float64(r.FeesCollected))
	m.refundFailures.Add(float64(len(r.Failures)))
	m.pendingLosers.Set(float64(r.PendingLosers))
	m.lastRun.Set(float64(r.FinishedAt.Unix()))
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := domain.CodeOf(err); code != domain.CodeUnknown {
		return strconv.Itoa(int(code))
	}
	return "error"
}
