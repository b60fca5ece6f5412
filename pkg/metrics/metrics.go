package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent-side metrics
	EventsPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_events_pushed_total",
			Help: "Total number of events pushed to Fusion by pipeline and phase",
		},
		[]string{"pipeline", "phase"},
	)

	SendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_send_errors_total",
			Help: "Total number of failed sends by pipeline and error kind",
		},
		[]string{"pipeline", "kind"},
	)

	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidemark_send_latency_seconds",
			Help:    "Latency of event batch pushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline"},
	)

	SentinelChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_sentinel_checks_total",
			Help: "Total number of sentinel check cycles by pipeline",
		},
		[]string{"pipeline"},
	)

	AuditCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_audit_cycles_total",
			Help: "Total number of audit cycles run by pipeline",
		},
		[]string{"pipeline"},
	)

	BusDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_bus_depth",
			Help: "Number of events currently buffered per bus",
		},
		[]string{"bus"},
	)

	BusSplitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tidemark_bus_splits_total",
			Help: "Total number of bus splits caused by subscriber divergence",
		},
	)

	// Fusion-side metrics
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_events_received_total",
			Help: "Total number of events received by view and source type",
		},
		[]string{"view", "source_type"},
	)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_sessions_active",
			Help: "Number of active agent sessions per view",
		},
		[]string{"view"},
	)

	SessionsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_sessions_expired_total",
			Help: "Total number of sessions terminated by TTL expiry",
		},
		[]string{"view"},
	)

	LeaderElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_leader_elections_total",
			Help: "Total number of leader promotions per view",
		},
		[]string{"view"},
	)

	PipelineQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_pipeline_queue_depth",
			Help: "Number of event batches queued in a fusion pipeline",
		},
		[]string{"view"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidemark_dispatch_duration_seconds",
			Help:    "Per-handler event dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_handler_errors_total",
			Help: "Total number of view handler dispatch errors",
		},
		[]string{"handler"},
	)

	// FS view metrics
	TreeNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_tree_nodes",
			Help: "Number of nodes in the FS view by kind (file/directory)",
		},
		[]string{"view", "kind"},
	)

	TombstonesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_tombstones_active",
			Help: "Number of live tombstones per view",
		},
		[]string{"view"},
	)

	SuspectsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_suspects_active",
			Help: "Number of paths on the suspect list per view",
		},
		[]string{"view"},
	)

	BlindSpotsDetected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidemark_blind_spots",
			Help: "Number of blind-spot paths per view and kind (addition/deletion)",
		},
		[]string{"view", "kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidemark_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidemark_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(EventsPushedTotal)
	prometheus.MustRegister(SendErrorsTotal)
	prometheus.MustRegister(SendLatency)
	prometheus.MustRegister(SentinelChecksTotal)
	prometheus.MustRegister(AuditCyclesTotal)
	prometheus.MustRegister(BusDepth)
	prometheus.MustRegister(BusSplitsTotal)
	prometheus.MustRegister(EventsReceivedTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsExpiredTotal)
	prometheus.MustRegister(LeaderElectionsTotal)
	prometheus.MustRegister(PipelineQueueDepth)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(HandlerErrorsTotal)
	prometheus.MustRegister(TreeNodes)
	prometheus.MustRegister(TombstonesActive)
	prometheus.MustRegister(SuspectsActive)
	prometheus.MustRegister(BlindSpotsDetected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
