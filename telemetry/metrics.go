// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ConnectionsOpened prometheus.Counter
	AuthFailures      prometheus.Counter
	MessagesPersisted *prometheus.CounterVec // label: kind
	PersistFailures   prometheus.Counter
	BroadcastsDropped prometheus.Counter
	FramesRejected    *prometheus.CounterVec // label: reason
	BotRequests       *prometheus.CounterVec // label: outcome
	RetentionPurged   prometheus.Counter

	// Histograms (seconds)
	PersistDuration prometheus.Observer
	BotDuration     prometheus.Observer

	// Gauges
	RoomSizeGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_connections_opened_total", Help: "Number of authenticated websocket connections"})
		AuthFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_auth_failures_total", Help: "Number of rejected handshakes or sends due to authentication"})
		MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_persisted_total", Help: "Number of chat events persisted"}, []string{"kind"})
		PersistFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_persist_failures_total", Help: "Number of failed message store writes"})
		BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_broadcast_dropped_total", Help: "Number of connections dropped because their send queue was full"})
		FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_frames_rejected_total", Help: "Number of inbound frames rejected"}, []string{"reason"})
		BotRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_bot_requests_total", Help: "Number of bot bridge requests by outcome"}, []string{"outcome"})
		RetentionPurged = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_retention_purged_total", Help: "Number of messages removed by the retention job"})
		PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_persist_duration_seconds", Help: "Message store write duration seconds", Buckets: prometheus.DefBuckets})
		BotDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_bot_request_duration_seconds", Help: "Bot responder round trip seconds", Buckets: prometheus.DefBuckets})
		RoomSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_room_members", Help: "Current number of live room connections"})
	})
}

// SetRoomSize records the current member count.
func SetRoomSize(n int) {
	if RoomSizeGauge != nil {
		RoomSizeGauge.Set(float64(n))
	}
}

// Inc increments c if metrics were initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c if metrics were initialized.
func Add(c prometheus.Counter, n int64) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// IncLabel increments the labelled counter if metrics were initialized.
func IncLabel(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
