// Package metrics exposes Prometheus metrics and HTTP health endpoints for
// the FlowFile engine.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"flowcore/pkg/content"
	"flowcore/pkg/loadbalance"
	"flowcore/pkg/queue"
	"flowcore/pkg/repository"
	"flowcore/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks engine-wide metrics.
type Metrics struct {
	// Repository metrics
	RepositoryBatches     prometheus.Counter
	RepositoryRecords     prometheus.Counter
	CheckpointDuration    prometheus.Histogram
	RepositoryUsableGauge prometheus.Gauge

	// Queue metrics
	QueuedFlowFiles  *prometheus.GaugeVec
	QueuedBytes      *prometheus.GaugeVec
	SwappedFlowFiles *prometheus.GaugeVec

	// Content metrics
	ClaimsDestroyed prometheus.Counter

	// Load-balance metrics
	TransactionsSent     prometheus.Counter
	TransactionsReceived prometheus.Counter
	TransactionFailures  prometheus.Counter
	FlowFilesTransferred prometheus.Counter
	CircuitBreakerOpens  prometheus.Counter

	LastHealthCheck prometheus.Gauge
}

// New creates and registers the engine metrics. A nil registry uses the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		RepositoryBatches: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_repository_batches_total",
			Help: "Total number of repository record batches committed",
		}),
		RepositoryRecords: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_repository_records_total",
			Help: "Total number of repository records committed",
		}),
		CheckpointDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "flowcore_checkpoint_duration_seconds",
			Help:    "FlowFile repository checkpoint duration",
			Buckets: prometheus.DefBuckets,
		}),
		RepositoryUsableGauge: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_repository_usable_bytes",
			Help: "Usable space on the FlowFile repository volume",
		}),
		QueuedFlowFiles: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcore_queued_flowfiles",
			Help: "FlowFiles per queue, including the swapped-out portion",
		}, []string{"connection_id"}),
		QueuedBytes: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcore_queued_bytes",
			Help: "Bytes per queue, including the swapped-out portion",
		}, []string{"connection_id"}),
		SwappedFlowFiles: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcore_swapped_flowfiles",
			Help: "FlowFiles currently swapped to disk per queue",
		}, []string{"connection_id"}),
		ClaimsDestroyed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_claims_destroyed_total",
			Help: "Total number of resource claims physically reclaimed",
		}),
		TransactionsSent: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_loadbalance_transactions_sent_total",
			Help: "Total number of confirmed outbound load-balance transactions",
		}),
		TransactionsReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_loadbalance_transactions_received_total",
			Help: "Total number of committed inbound load-balance transactions",
		}),
		TransactionFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_loadbalance_transaction_failures_total",
			Help: "Total number of failed load-balance transactions",
		}),
		FlowFilesTransferred: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_loadbalance_flowfiles_transferred_total",
			Help: "Total number of FlowFiles confirmed transferred to peers",
		}),
		CircuitBreakerOpens: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "flowcore_loadbalance_circuit_breaker_opens_total",
			Help: "Total number of peer circuit breaker opens",
		}),
		LastHealthCheck: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_last_health_check_timestamp",
			Help: "Timestamp of the last health check",
		}),
	}
}

// Metrics is the observer for every instrumented component.
var (
	_ repository.Observer  = (*Metrics)(nil)
	_ content.Observer     = (*Metrics)(nil)
	_ loadbalance.Observer = (*Metrics)(nil)
)

func (m *Metrics) BatchCommitted(records int) {
	m.RepositoryBatches.Inc()
	m.RepositoryRecords.Add(float64(records))
}

func (m *Metrics) CheckpointCompleted(elapsed time.Duration) {
	m.CheckpointDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ClaimDestroyed(types.ResourceClaim) {
	m.ClaimsDestroyed.Inc()
}

func (m *Metrics) TransactionSent(flowFiles int) {
	m.TransactionsSent.Inc()
	m.FlowFilesTransferred.Add(float64(flowFiles))
}

func (m *Metrics) TransactionReceived(int) {
	m.TransactionsReceived.Inc()
}

func (m *Metrics) TransactionFailed() {
	m.TransactionFailures.Inc()
}

func (m *Metrics) CircuitBreakerOpened(string) {
	m.CircuitBreakerOpens.Inc()
}

// Monitor periodically samples repository and queue state into gauges.
type Monitor struct {
	metrics  *Metrics
	repo     repository.Repository
	provider *queue.StaticProvider
	logger   *zap.Logger

	interval time.Duration

	mu        sync.RWMutex
	lastCheck time.Time
	healthy   bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(m *Metrics, repo repository.Repository, provider *queue.StaticProvider, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		metrics:  m,
		repo:     repo,
		provider: provider,
		logger:   logger,
		interval: 30 * time.Second,
		healthy:  true,
		stop:     make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) sample() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck = time.Now()
	m.metrics.LastHealthCheck.Set(float64(m.lastCheck.Unix()))

	healthy := true
	if usable, err := m.repo.UsableStorageSpace(); err == nil {
		m.metrics.RepositoryUsableGauge.Set(float64(usable))
	} else {
		healthy = false
		m.logger.Warn("Failed to probe repository usable space", zap.Error(err))
	}

	for _, q := range m.provider.All() {
		id := string(q.ID())
		count, bytes := q.Size()
		active, _ := q.ActiveSize()
		m.metrics.QueuedFlowFiles.WithLabelValues(id).Set(float64(count))
		m.metrics.QueuedBytes.WithLabelValues(id).Set(float64(bytes))
		m.metrics.SwappedFlowFiles.WithLabelValues(id).Set(float64(count - active))
	}
	m.healthy = healthy
}

// Healthy reports the last sample's verdict and when it was taken.
func (m *Monitor) Healthy() (bool, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy, m.lastCheck
}

// HealthEndpoint serves liveness/readiness and the Prometheus scrape
// endpoint.
type HealthEndpoint struct {
	monitor *Monitor
	logger  *zap.Logger
}

func NewHealthEndpoint(monitor *Monitor, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{monitor: monitor, logger: logger}
}

func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.Handler())
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, lastCheck := he.monitor.Healthy()

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"status":%q,"last_check":%q,"timestamp":%q}`,
		status, lastCheck.Format(time.RFC3339), time.Now().Format(time.RFC3339))
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	healthy, _ := he.monitor.Healthy()
	if healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartServer runs the metrics/health HTTP server on the given port.
func StartServer(port int, monitor *Monitor, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	NewHealthEndpoint(monitor, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		logger.Info("Starting metrics server", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}
