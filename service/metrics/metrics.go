package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitWait *prometheus.HistogramVec
	solanaRPCRetries       *prometheus.CounterVec

	// Cache Metrics
	cacheLookupsTotal *prometheus.CounterVec

	// Pipeline Metrics
	pipelineTransitionsTotal *prometheus.CounterVec
	pipelineDuration         *prometheus.HistogramVec
	policyDecisionsTotal     *prometheus.CounterVec
	signerCallsTotal         *prometheus.CounterVec
	submitAttemptsTotal      *prometheus.CounterVec
	confirmationWaitDuration *prometheus.HistogramVec

	// Recovery Metrics
	recoveryRunsTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		solanaRPCRateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_rate_limit_wait_seconds",
				Help:    "Time spent waiting on the client-side RPC rate limiter",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"method"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Total number of cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		),

		pipelineTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_transitions_total",
				Help: "Total number of validated transaction status transitions",
			},
			[]string{"from", "to"},
		),
		pipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_duration_seconds",
				Help:    "Duration of a pipeline run until its first stopping point",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"type", "outcome"},
		),
		policyDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_decisions_total",
				Help: "Total number of policy decisions by outcome",
			},
			[]string{"decision"},
		),
		signerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signer_calls_total",
				Help: "Total number of remote signer calls by status",
			},
			[]string{"status"},
		),
		submitAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submit_attempts_total",
				Help: "Total number of broadcast attempts by route and status",
			},
			[]string{"route", "status"},
		),
		confirmationWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirmation_wait_duration_seconds",
				Help:    "Time spent waiting for a signature to reach the target commitment",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"outcome"},
		),

		recoveryRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_runs_total",
				Help: "Total number of crash-recovery actions by kind and status",
			},
			[]string{"kind", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 60},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"wallet_id"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"wallet_id", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRateLimitWait records time spent blocked on the RPC rate limiter.
func (m *Metrics) RecordRateLimitWait(method string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCRateLimitWait.WithLabelValues(method).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// Pipeline metric helpers

// RecordTransition records a validated status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.pipelineTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordPipelineDuration records how long a pipeline run took and where it stopped.
func (m *Metrics) RecordPipelineDuration(txType, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(txType, outcome).Observe(duration)
}

// RecordPolicyDecision records one policy evaluation outcome.
func (m *Metrics) RecordPolicyDecision(decision string) {
	if m == nil {
		return
	}
	m.policyDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordSignerCall records one remote signer call.
func (m *Metrics) RecordSignerCall(status string) {
	if m == nil {
		return
	}
	m.signerCallsTotal.WithLabelValues(status).Inc()
}

// RecordSubmitAttempt records one broadcast attempt on the given route.
func (m *Metrics) RecordSubmitAttempt(route string, err error) {
	if m == nil {
		return
	}
	m.submitAttemptsTotal.WithLabelValues(route, errStatus(err)).Inc()
}

// RecordConfirmationWait records the duration of one confirmation wait.
func (m *Metrics) RecordConfirmationWait(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.confirmationWaitDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordRecovery records one recovery action.
func (m *Metrics) RecordRecovery(kind string, err error) {
	if m == nil {
		return
	}
	m.recoveryRunsTotal.WithLabelValues(kind, errStatus(err)).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, errStatus(err)).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(walletID string, delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.WithLabelValues(walletID).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(walletID, eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(walletID, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func errStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
