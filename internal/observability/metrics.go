// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-autopilot/internal/faults"
)

// Metrics holds all Prometheus metrics for the application. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Orchestrator metrics
	TicksTotal          prometheus.Counter
	SessionTicks        *prometheus.CounterVec
	SessionsSkippedBusy prometheus.Counter
	ActiveSessions      prometheus.Gauge
	TickDuration        prometheus.Histogram
	TradesExecuted      *prometheus.CounterVec

	// Banking metrics
	BankingAttempts   *prometheus.CounterVec
	BankedAmountTotal prometheus.Counter
	EmergencyStops    prometheus.Counter
	DailyBankingTotal prometheus.Gauge

	// Lifecycle metrics
	StrategyTransitions *prometheus.CounterVec

	// Errors by component and faults.Category
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "autopilot"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "ticks_total",
			Help:      "Total number of orchestrator ticks",
		}),
		SessionTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "session_ticks_total",
			Help:      "Per-session tick outcomes",
		}, []string{"outcome"}),
		SessionsSkippedBusy: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "sessions_skipped_busy_total",
			Help:      "Sessions skipped because a previous tick was still in flight",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "active_sessions",
			Help:      "Number of in-memory session contexts",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one orchestrator tick",
			Buckets:   prometheus.DefBuckets,
		}),
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "trades_executed_total",
			Help:      "Orders submitted by side",
		}, []string{"side"}),

		BankingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "banking",
			Name:      "attempts_total",
			Help:      "Banking transfer attempts by trigger and status",
		}, []string{"trigger", "status"}),
		BankedAmountTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "banking",
			Name:      "banked_amount_total",
			Help:      "Total amount transferred out of the trading account",
		}),
		EmergencyStops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "banking",
			Name:      "emergency_stops_total",
			Help:      "Times the emergency stop was asserted",
		}),
		DailyBankingTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "banking",
			Name:      "daily_total",
			Help:      "Amount banked during the current UTC day",
		}),

		StrategyTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Strategy status transitions by target status",
		}, []string{"status"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and category",
		}, []string{"component", "category"}),
	}
}

// RecordError increments the error counter for err's category. Nil-safe on
// both the receiver and err.
func (m *Metrics) RecordError(component string, err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(component, string(faults.Classify(err))).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
