// Package metrics exposes Prometheus counters and histograms for the five
// core components, giving the onReplayDetected/onInvalidSignature session
// store callbacks (spec §4.4) a concrete observability consumer beyond a
// log line, grounded on the teacher's promauto metrics package.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport / relay connections.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of active WebSocket connections to this relay instance",
		},
		[]string{"server_id"},
	)

	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_total",
			Help: "Total number of envelopes processed",
		},
		[]string{"type", "direction"}, // type: MSG/FILE_META/FILE_CHUNK/KEP_INIT/..., direction: in/out
	)

	EnvelopeDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_envelope_delivery_latency_seconds",
			Help:    "Time from relay receipt to recipient delivery",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"delivery_type"}, // immediate, offline, cross-instance
	)

	// Key exchange protocol.
	KEPHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kep_handshakes_total",
			Help: "Total number of key exchange handshakes attempted",
		},
		[]string{"role", "result"}, // role: initiator/responder, result: success/mitm/timeout
	)

	KeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_key_rotations_total",
			Help: "Total number of successful KEY_UPDATE rotations",
		},
	)

	IdentityRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_identity_rotations_total",
			Help: "Total number of identity key rotations",
		},
	)

	// Security events (spec §7: ReplayDetected / MITMDetected).
	ReplayDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_replay_detected_total",
			Help: "Total number of envelopes rejected as replays",
		},
		[]string{"reason"}, // stale, seq, nonce-size, duplicate-nonce
	)

	MITMDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_mitm_detected_total",
			Help: "Total number of signature/AEAD verification failures",
		},
		[]string{"reason"}, // signature, auth-tag
	)

	// File transfer.
	FileTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_file_transfers_total",
			Help: "Total number of chunked file transfers",
		},
		[]string{"result"}, // assembled, discarded
	)

	FileTransferSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_file_transfer_size_bytes",
			Help:    "Size of assembled file transfers in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	// Session store.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of sessions currently held open across users on this instance",
		},
	)

	SessionLockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_locked_total",
			Help: "Total number of SessionLocked errors (key cache expired)",
		},
	)

	// Offline inbox.
	OfflineEnvelopesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_offline_envelopes_queued_total",
			Help: "Total number of envelopes queued for offline recipients",
		},
	)

	OfflineEnvelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_offline_envelopes_delivered_total",
			Help: "Total number of offline envelopes delivered on reconnect",
		},
	)

	// HTTP API.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Relay-side rate limiting (§12 supplemented feature).
	RateLimitDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_drops_total",
			Help: "Total number of envelopes dropped by the per-connection token bucket",
		},
		[]string{"server_id"},
	)
)

// Middleware wraps an HTTP handler, recording request count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEnvelope records one processed envelope.
func RecordEnvelope(envelopeType, direction string) {
	EnvelopesTotal.WithLabelValues(envelopeType, direction).Inc()
}

// RecordDeliveryLatency records relay-to-recipient delivery latency.
func RecordDeliveryLatency(deliveryType string, latency time.Duration) {
	EnvelopeDeliveryLatency.WithLabelValues(deliveryType).Observe(latency.Seconds())
}

// RecordKEPHandshake records the outcome of one KEP attempt.
func RecordKEPHandshake(role, result string) {
	KEPHandshakesTotal.WithLabelValues(role, result).Inc()
}

// RecordReplayDetected records one ReplayDetected rejection, intended as
// the session store's onReplayDetected callback consumer.
func RecordReplayDetected(reason string) {
	ReplayDetectedTotal.WithLabelValues(reason).Inc()
}

// RecordMITMDetected records one MITMDetected event, intended as the
// session store's onInvalidSignature callback consumer.
func RecordMITMDetected(reason string) {
	MITMDetectedTotal.WithLabelValues(reason).Inc()
}

// RecordFileTransfer records the terminal outcome of a chunked file transfer.
func RecordFileTransfer(result string, sizeBytes int64) {
	FileTransfersTotal.WithLabelValues(result).Inc()
	if result == "assembled" {
		FileTransferSize.Observe(float64(sizeBytes))
	}
}
