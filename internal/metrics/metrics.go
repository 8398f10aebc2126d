package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	// Session
	LoginsTotal     prometheus.Counter
	LoginFailures   prometheus.Counter
	SessionExpiries prometheus.Counter
	SessionActive   prometheus.Gauge // 1 while a session is active

	// Dispatcher
	DispatchAttempts *prometheus.CounterVec // labels: op, outcome
	DispatchRetries  *prometheus.CounterVec // labels: op
	DispatchDur      *prometheus.HistogramVec
	RateLimitWait    prometheus.Histogram
	IdempotentHits   prometheus.Counter // resubmissions avoided by lookup

	// Circuit breakers
	BreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec // labels: name

	// Orders
	OrderTransitions *prometheus.CounterVec // labels: state
	FillsTotal       prometheus.Counter
	StaleUpdates     prometheus.Counter // regressions discarded
	LedgerAppendDur  prometheus.Histogram
	Halted           prometheus.Gauge

	// Reconciliation
	Discrepancies *prometheus.CounterVec // labels: kind
	SweepsTotal   *prometheus.CounterVec // labels: outcome

	// Events
	EventsPublished  *prometheus.CounterVec // labels: kind
	EventsDropped    prometheus.Counter
	NotifierFailures *prometheus.CounterVec // labels: notifier
	SinkFailures     *prometheus.CounterVec // labels: sink

	// Order update feed
	FeedReconnects prometheus.Counter
	FeedMessages   prometheus.Counter

	// Stream intake
	IntakeMessages *prometheus.CounterVec // labels: stream, outcome
}

// New creates all metrics and registers them with reg.
// A nil reg leaves them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_logins_total",
			Help: "Successful broker logins",
		}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_login_failures_total",
			Help: "Failed broker login attempts",
		}),
		SessionExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_session_expiries_total",
			Help: "Sessions that expired or were invalidated",
		}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execengine_session_active",
			Help: "1 while a broker session is active",
		}),

		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_dispatch_attempts_total",
			Help: "Broker call attempts by operation and outcome",
		}, []string{"op", "outcome"}),
		DispatchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_dispatch_retries_total",
			Help: "Broker call retries by operation",
		}, []string{"op"}),
		DispatchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execengine_dispatch_duration_seconds",
			Help:    "End-to-end Send latency including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execengine_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		IdempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_idempotent_hits_total",
			Help: "Retries short-circuited because the broker already had the request",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "execengine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_order_transitions_total",
			Help: "Order state transitions by target state",
		}, []string{"state"}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_fills_total",
			Help: "Fill increments applied to the ledger",
		}),
		StaleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_stale_updates_total",
			Help: "Status updates discarded because they would regress filled quantity",
		}),
		LedgerAppendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execengine_ledger_append_duration_seconds",
			Help:    "Ledger append latency",
			Buckets: prometheus.DefBuckets,
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execengine_halted",
			Help: "1 when order submission is halted after a ledger failure",
		}),

		Discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_discrepancies_total",
			Help: "Reconciliation discrepancies by kind",
		}, []string{"kind"}),
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_reconcile_sweeps_total",
			Help: "Reconciliation sweeps by outcome",
		}, []string{"outcome"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_events_published_total",
			Help: "Events accepted by the emitter by kind",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_events_dropped_total",
			Help: "Events dropped because the emitter queue was full",
		}),
		NotifierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_notifier_failures_total",
			Help: "Notifier delivery failures",
		}, []string{"notifier"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_audit_sink_failures_total",
			Help: "Audit sink write failures",
		}, []string{"sink"}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_feed_reconnects_total",
			Help: "Order update feed reconnection attempts",
		}),
		FeedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execengine_feed_messages_total",
			Help: "Order update messages received",
		}),

		IntakeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execengine_intake_messages_total",
			Help: "Stream intake messages by stream and outcome",
		}, []string{"stream", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LoginsTotal,
			m.LoginFailures,
			m.SessionExpiries,
			m.SessionActive,
			m.DispatchAttempts,
			m.DispatchRetries,
			m.DispatchDur,
			m.RateLimitWait,
			m.IdempotentHits,
			m.BreakerState,
			m.BreakerTrips,
			m.OrderTransitions,
			m.FillsTotal,
			m.StaleUpdates,
			m.LedgerAppendDur,
			m.Halted,
			m.Discrepancies,
			m.SweepsTotal,
			m.EventsPublished,
			m.EventsDropped,
			m.NotifierFailures,
			m.SinkFailures,
			m.FeedReconnects,
			m.FeedMessages,
			m.IntakeMessages,
		)
	}
	return m
}

// OrNop returns m, or a fresh unregistered set when m is nil, so components
// never need nil checks.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
