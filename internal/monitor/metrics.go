package monitor

import "github.com/prometheus/client_golang/prometheus"

const namespace = "server_health"

var (
	probeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_attempts_total",
		Help:      "Probe attempts by target and result.",
	}, []string{"target", "result"})

	actionRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_runs_total",
		Help:      "Remediation action executions by target, action and result.",
	}, []string{"target", "action", "result"})

	notificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications by kind and delivery result.",
	}, []string{"kind", "result"})

	cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Monitor loop cycles started.",
	})

	configReloadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reload_failures_total",
		Help:      "Cycles skipped because the configuration could not be loaded.",
	})

	targetUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "target_up",
		Help:      "1 if the target ended its last cycle healthy, 0 otherwise.",
	}, []string{"target"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_client_requests_total",
		Help:      "Outbound HTTP requests by client, status code and method.",
	}, []string{"client", "code", "method"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_client_request_duration_seconds",
		Help:      "Outbound HTTP request latency by client, status code and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"client", "code", "method"})
)

func init() {
	prometheus.MustRegister(
		probeAttempts,
		actionRuns,
		notificationsSent,
		cyclesTotal,
		configReloadFailures,
		targetUp,
		httpRequests,
		httpRequestDuration,
	)
}

// notification kinds
const (
	kindEscalation = "escalation_start"
	kindExhausted  = "actions_exhausted"
	kindRecovered  = "recovered"
	kindConfig     = "config_error"
)
