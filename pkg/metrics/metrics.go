// Package metrics provides Prometheus instrumentation for the sync loop,
// key distribution, and device registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wraps the package's Prometheus collectors. Its zero value is not
// usable; construct with New.
type Metrics struct{}

// New returns a Metrics handle. Collectors are package-level and registered
// with the default registry exactly once regardless of how many Metrics
// values are constructed.
func New() *Metrics {
	return &Metrics{}
}

// RecordSyncIteration records the outcome of one sync_once call: "ok",
// "timeout", "error", or "paused".
func (m *Metrics) RecordSyncIteration(outcome string) {
	syncIterations.WithLabelValues(outcome).Inc()
}

// RecordToDeviceEvent records a to-device event processed during sync, by
// its Matrix event type (e.g. "m.room.encrypted", "m.room_key_request").
func (m *Metrics) RecordToDeviceEvent(eventType string) {
	toDeviceEvents.WithLabelValues(eventType).Inc()
}

// RecordRoomEventDecrypted records the outcome of decrypting one room
// timeline event: "ok", "no_session", "replay", or "verify_error".
func (m *Metrics) RecordRoomEventDecrypted(outcome string) {
	roomEventsDecrypted.WithLabelValues(outcome).Inc()
}

// SetOTKPoolDepth records the signed one-time-key count reported by the
// homeserver after a sync.
func (m *Metrics) SetOTKPoolDepth(depth int) {
	otkPoolDepth.Set(float64(depth))
}

// ObserveDeviceQueryLatency records the round-trip time of a
// /keys/query call.
func (m *Metrics) ObserveDeviceQueryLatency(d time.Duration) {
	deviceQueryLatency.Observe(d.Seconds())
}

// SetPendingForwardedKeyRequests records the number of session requests
// this client has sent and is still waiting on a forwarded reply for.
func (m *Metrics) SetPendingForwardedKeyRequests(count int) {
	pendingForwardedKeyRequests.Set(float64(count))
}

var (
	syncIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_e2e_sync_iterations_total",
			Help: "Total number of sync_once iterations, by outcome",
		},
		[]string{"outcome"},
	)

	toDeviceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_e2e_to_device_events_total",
			Help: "Total number of to-device events processed, by event type",
		},
		[]string{"event_type"},
	)

	roomEventsDecrypted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_e2e_room_events_decrypted_total",
			Help: "Total number of room timeline decryption attempts, by outcome",
		},
		[]string{"outcome"},
	)

	otkPoolDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matrix_e2e_otk_pool_depth",
			Help: "signed_curve25519 one-time-key count reported by the homeserver after the last sync",
		},
	)

	deviceQueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrix_e2e_device_query_latency_seconds",
			Help:    "Round-trip latency of /keys/query requests",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	pendingForwardedKeyRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matrix_e2e_pending_forwarded_key_requests",
			Help: "Number of outstanding m.room_key_request replies this client is waiting on",
		},
	)
)
