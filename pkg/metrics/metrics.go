package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Network metrics
	NetworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiktrue_networks_total",
			Help: "Total number of networks by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiktrue_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	DiscoveredNetworks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tiktrue_discovered_networks",
			Help: "Number of remote networks currently visible via discovery",
		},
	)

	// Access control metrics
	AccessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_access_decisions_total",
			Help: "Total access decisions by resource type and outcome",
		},
		[]string{"resource_type", "outcome"},
	)

	AccessCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_access_cache_hits_total",
			Help: "Access decisions served from the decision cache",
		},
	)

	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_quota_rejections_total",
			Help: "Quota consume attempts rejected, by quota name",
		},
		[]string{"quota"},
	)

	// KV cache metrics
	KVPagesAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tiktrue_kv_pages_allocated",
			Help: "Physical KV-cache pages currently held by sessions",
		},
	)

	KVPagesFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tiktrue_kv_pages_free",
			Help: "Physical KV-cache pages in the free pool",
		},
	)

	KVTokensStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_kv_tokens_stored_total",
			Help: "Total tokens appended to the paged KV cache",
		},
	)

	// Crypto metrics
	BlocksEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_blocks_encrypted_total",
			Help: "Total model blocks encrypted",
		},
	)

	BlocksDecrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_blocks_decrypted_total",
			Help: "Total model blocks decrypted",
		},
	)

	CryptoFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_crypto_failures_total",
			Help: "Crypto failures by kind (tag_mismatch, checksum_mismatch, bad_signature)",
		},
		[]string{"kind"},
	)

	// Health metrics
	HeartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_heartbeat_failures_total",
			Help: "Heartbeat failures by target kind",
		},
		[]string{"kind"},
	)

	HealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiktrue_health_status",
			Help: "Health status per target (0 healthy, 1 warning, 2 critical, 3 unknown)",
		},
		[]string{"kind", "target"},
	)

	// Failover metrics
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_failovers_total",
			Help: "Failovers by outcome",
		},
		[]string{"outcome"},
	)

	FailoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tiktrue_failover_duration_seconds",
			Help:    "Time taken to complete a failover in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlocksRedistributed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_blocks_redistributed_total",
			Help: "Model blocks reassigned away from failed workers",
		},
	)

	// Config sync metrics
	ConfigBroadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_config_broadcasts_total",
			Help: "Configuration changes broadcast to the mesh",
		},
	)

	ConfigConflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_config_conflicts_resolved_total",
			Help: "Configuration conflicts resolved, by strategy",
		},
		[]string{"strategy"},
	)

	// Discovery metrics
	DiscoveryMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiktrue_discovery_messages_total",
			Help: "Discovery datagrams processed by message type",
		},
		[]string{"type"},
	)

	// Download metrics
	DownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiktrue_download_bytes_total",
			Help: "Bytes downloaded across all model downloads",
		},
	)
)

func init() {
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(DiscoveredNetworks)
	prometheus.MustRegister(AccessDecisions)
	prometheus.MustRegister(AccessCacheHits)
	prometheus.MustRegister(QuotaRejections)
	prometheus.MustRegister(KVPagesAllocated)
	prometheus.MustRegister(KVPagesFree)
	prometheus.MustRegister(KVTokensStored)
	prometheus.MustRegister(BlocksEncrypted)
	prometheus.MustRegister(BlocksDecrypted)
	prometheus.MustRegister(CryptoFailures)
	prometheus.MustRegister(HeartbeatFailures)
	prometheus.MustRegister(HealthStatus)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(FailoverDuration)
	prometheus.MustRegister(BlocksRedistributed)
	prometheus.MustRegister(ConfigBroadcasts)
	prometheus.MustRegister(ConfigConflictsResolved)
	prometheus.MustRegister(DiscoveryMessages)
	prometheus.MustRegister(DownloadBytes)
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
