package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	// Session metrics
	SessionsTotal      *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	SessionDuration    prometheus.Histogram
	PrivilegesGranted  *prometheus.CounterVec
	PrivilegesActive   prometheus.Gauge

	// Connection metrics
	PeerConnectionsTotal   *prometheus.CounterVec
	PeerConnectionsActive  prometheus.Gauge
	PeerConnectionDuration prometheus.Histogram
	MessagesRoutedTotal    *prometheus.CounterVec

	// Validation and crypto metrics
	ValidationsTotal        *prometheus.CounterVec
	FilesQuarantinedTotal   prometheus.Counter
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram

	// Audit metrics
	AuditEventsTotal   *prometheus.CounterVec
	AuditEventsDropped prometheus.Counter

	// Active transfers counter (atomic for thread-safety)
	activeTransfers int64
	activeSessions  int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_transfers_total",
				Help: "Total transfers by terminal status",
			},
			[]string{"status"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "onlidesk_transfers_active",
				Help: "Currently active transfers",
			},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onlidesk_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "onlidesk_chunks_sent_total",
				Help: "Total chunks sent to peers",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "onlidesk_chunks_received_total",
				Help: "Total chunks received from peers",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_sessions_total",
				Help: "Support sessions by terminal status",
			},
			[]string{"status"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "onlidesk_sessions_active",
				Help: "Currently active support sessions",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onlidesk_session_duration_seconds",
				Help:    "Session lifetime distribution",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400},
			},
		),

		PrivilegesGranted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_privileges_granted_total",
				Help: "Privilege grants by type",
			},
			[]string{"type"},
		),

		PrivilegesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "onlidesk_privileges_active",
				Help: "Currently active privilege grants",
			},
		),

		PeerConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_peer_connections_total",
				Help: "Peer WebSocket connection attempts",
			},
			[]string{"role", "result"},
		),

		PeerConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "onlidesk_peer_connections_active",
				Help: "Active peer WebSocket connections",
			},
		),

		PeerConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onlidesk_peer_connection_duration_seconds",
				Help:    "Peer connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 1800, 3600},
			},
		),

		MessagesRoutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_messages_routed_total",
				Help: "Control envelopes routed by type",
			},
			[]string{"type"},
		),

		ValidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_file_validations_total",
				Help: "File validations by result",
			},
			[]string{"result"},
		),

		FilesQuarantinedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "onlidesk_files_quarantined_total",
				Help: "Files moved to quarantine",
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onlidesk_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		AuditEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onlidesk_audit_events_total",
				Help: "Audit events written by severity",
			},
			[]string{"severity"},
		),

		AuditEventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "onlidesk_audit_events_dropped_total",
				Help: "Audit events dropped due to queue overflow",
			},
		),
	}

	return m
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferEnd records a transfer reaching a terminal state.
func (m *Metrics) RecordTransferEnd(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordSessionStart increments active session counters.
func (m *Metrics) RecordSessionStart() {
	atomic.AddInt64(&m.activeSessions, 1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
}

// RecordSessionEnd records a session reaching a terminal state.
func (m *Metrics) RecordSessionEnd(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeSessions, -1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))

	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordPrivilegeGranted increments privilege grant counters.
func (m *Metrics) RecordPrivilegeGranted(privilegeType string) {
	m.PrivilegesGranted.WithLabelValues(privilegeType).Inc()
	m.PrivilegesActive.Inc()
}

// RecordPrivilegeReleased decrements the active privilege gauge.
func (m *Metrics) RecordPrivilegeReleased() {
	m.PrivilegesActive.Dec()
}

// RecordPeerConnection logs a peer connection attempt.
func (m *Metrics) RecordPeerConnection(role string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.PeerConnectionsTotal.WithLabelValues(role, result).Inc()

	if success {
		m.PeerConnectionsActive.Inc()
	}
}

// RecordPeerConnectionClose updates metrics for closed peer connections.
func (m *Metrics) RecordPeerConnectionClose(durationSeconds float64) {
	m.PeerConnectionsActive.Dec()
	m.PeerConnectionDuration.Observe(durationSeconds)
}

// RecordMessageRouted counts a routed control envelope.
func (m *Metrics) RecordMessageRouted(msgType string) {
	m.MessagesRoutedTotal.WithLabelValues(msgType).Inc()
}

// RecordValidation counts a file validation result.
func (m *Metrics) RecordValidation(valid bool) {
	result := "pass"
	if !valid {
		result = "fail"
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

// RecordQuarantine counts a quarantined file.
func (m *Metrics) RecordQuarantine() {
	m.FilesQuarantinedTotal.Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordAuditEvent counts a written audit event.
func (m *Metrics) RecordAuditEvent(severity string) {
	m.AuditEventsTotal.WithLabelValues(severity).Inc()
}

// RecordAuditDrop counts a dropped audit event.
func (m *Metrics) RecordAuditDrop() {
	m.AuditEventsDropped.Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
