package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"kind"})

	orchestrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_bot_orchestrations_total",
		Help: "Total number of orchestration runs",
	}, []string{"model", "outcome"})

	orchestrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_bot_orchestration_duration_seconds",
		Help:    "Duration of orchestration runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "outcome"})

	quotaRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_bot_quota_rejected_total",
		Help: "Total number of requests rejected at the quota gate",
	}, []string{"model"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_bot_provider_request_duration_seconds",
		Help:    "Duration of provider requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"})

	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"user_id"})

	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received message by kind (text/voice/photo)
func (m *Metrics) RecordMessageReceived(kind string) {
	messagesReceived.WithLabelValues(kind).Inc()
}

// RecordOrchestration records one orchestration run
func (m *Metrics) RecordOrchestration(model, outcome string, duration time.Duration) {
	orchestrationsTotal.WithLabelValues(model, outcome).Inc()
	orchestrationDuration.WithLabelValues(model, outcome).Observe(duration.Seconds())
}

// RecordQuotaRejected records a request stopped at the quota gate
func (m *Metrics) RecordQuotaRejected(model string) {
	quotaRejected.WithLabelValues(model).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordProviderRequest records a provider call
func (m *Metrics) RecordProviderRequest(provider, status string, duration time.Duration) {
	providerRequestDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(userID int64) {
	rateLimitExceeded.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string) {
	storageOperations.WithLabelValues(operation, status).Inc()
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
