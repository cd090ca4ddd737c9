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
	EventsReceived       *prometheus.CounterVec
	FramesDropped        *prometheus.CounterVec
	NotificationsSent    prometheus.Counter
	DeliveryFailures     prometheus.Counter
	Reconnects           *prometheus.CounterVec
	SubscribeAttempts    *prometheus.CounterVec
	SubscribeFailures    *prometheus.CounterVec
	ChatterFetchFailures prometheus.Counter

	// Histograms (seconds)
	FanoutDuration prometheus.Observer

	// Gauges
	ListeningChannels *prometheus.GaugeVec
	ConnectionUp      *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_events_received_total", Help: "Domain events decoded from websocket notifications"}, []string{"protocol", "kind"})
		FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_frames_dropped_total", Help: "Frames dropped due to decode failures or unrecognized payloads"}, []string{"protocol"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_sent_total", Help: "Chat lines delivered by the notification fanout"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_delivery_failures_total", Help: "Chat lines that failed to deliver"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_ws_reconnects_total", Help: "Websocket reconnect attempts"}, []string{"protocol", "reason"})
		SubscribeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_subscribe_attempts_total", Help: "Channel subscribe requests issued"}, []string{"protocol"})
		SubscribeFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_subscribe_failures_total", Help: "Channel subscribe requests rejected"}, []string{"protocol"})
		ChatterFetchFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_chatter_fetch_failures_total", Help: "Massping chatter list fetches that failed"})
		FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_fanout_duration_seconds", Help: "Duration of one event fanout (audience resolution + delivery)", Buckets: prometheus.DefBuckets})
		ListeningChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "herald_listening_channels", Help: "Channels with a confirmed subscription"}, []string{"protocol"})
		ConnectionUp = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "herald_connection_up", Help: "Websocket session ready=1 else 0"}, []string{"protocol"})
	})
}

// SetConnectionUp records whether a protocol's session is currently ready.
func SetConnectionUp(protocol string, up bool) {
	if ConnectionUp == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	ConnectionUp.WithLabelValues(protocol).Set(v)
}

// SetListeningChannels records the confirmed-subscription count for a protocol.
func SetListeningChannels(protocol string, n int) {
	if ListeningChannels != nil {
		ListeningChannels.WithLabelValues(protocol).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
