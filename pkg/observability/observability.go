package observability

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"batch-pipeline/pkg/batch"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records batch lifecycle metrics. It implements batch.Observer.
type Metrics struct {
	BatchesSubmitted *prometheus.CounterVec
	BatchesFinished  *prometheus.CounterVec
	ItemsProcessed   *prometheus.CounterVec
	ItemDuration     *prometheus.HistogramVec
	ItemsInFlight    *prometheus.GaugeVec
	OutboxRelayed    *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_submitted_total",
			Help: "The total number of accepted batches",
		}, []string{"kind"}),

		BatchesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_finished_total",
			Help: "The total number of batches that reached a terminal status",
		}, []string{"kind", "status"}),

		ItemsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_items_processed_total",
			Help: "The total number of items that reached a terminal status",
		}, []string{"kind", "status"}), // status: COMPLETED, FAILED, CANCELLED

		ItemDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batch_item_duration_seconds",
			Help:    "Duration of item execution.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),

		ItemsInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batch_items_in_flight",
			Help: "Items currently held by an executor",
		}, []string{"kind"}),

		OutboxRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_outbox_relayed_total",
			Help: "Outbox messages handed to a broker",
		}, []string{"sink", "result"}),
	}
}

func (m *Metrics) BatchSubmitted(kind batch.Kind, _ int) {
	m.BatchesSubmitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ItemStarted(kind batch.Kind) {
	m.ItemsInFlight.WithLabelValues(string(kind)).Inc()
}

// ItemFinished counts a terminal item. Cancelled items never started, so
// they neither leave the in-flight gauge nor add a duration sample.
func (m *Metrics) ItemFinished(kind batch.Kind, status batch.ItemStatus, elapsed time.Duration) {
	m.ItemsProcessed.WithLabelValues(string(kind), string(status)).Inc()
	if status == batch.StatusCancelled {
		return
	}
	m.ItemsInFlight.WithLabelValues(string(kind)).Dec()
	m.ItemDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) BatchFinished(kind batch.Kind, status batch.BatchStatus) {
	m.BatchesFinished.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) Relayed(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboxRelayed.WithLabelValues(sink, result).Inc()
}

// NewLogger creates a new structured logger writing JSON to stdout.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug, info, warn and error to slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics. The
// returned server can be shut down by the caller.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
