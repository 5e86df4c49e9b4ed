package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var (
	// Global logger instance, swapped for a production logger by Init
	Logger = zap.NewNop()

	// Metrics
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupguard_events_total",
			Help: "Total number of decoded platform events",
		},
		[]string{"kind"},
	)

	violationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupguard_violations_total",
			Help: "Total number of enforcement actions taken",
		},
		[]string{"action"},
	)

	platformErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupguard_platform_errors_total",
			Help: "Total number of failed platform calls by outcome",
		},
		[]string{"outcome"},
	)

	eventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupguard_event_processing_duration_seconds",
			Help:    "Time spent processing a single event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func Init(ctx context.Context, metricsAddr string) error {
	// Initialize logger
	var err error
	Logger, err = zap.NewProduction()
	if err != nil {
		return err
	}

	// Register metrics
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(violationsTotal)
	prometheus.MustRegister(platformErrorsTotal)
	prometheus.MustRegister(eventProcessingDuration)

	// Setup OpenTelemetry (simplified setup)
	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	// Start Prometheus metrics endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return nil
}

// RecordEvent counts one decoded platform event by kind.
func RecordEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

// RecordViolation counts one enforcement action (delete, warn, ban).
func RecordViolation(action string) {
	violationsTotal.WithLabelValues(action).Inc()
}

// RecordPlatformError counts one failed platform call by classified outcome.
func RecordPlatformError(outcome string) {
	platformErrorsTotal.WithLabelValues(outcome).Inc()
}

// StartEventProcessing returns a function to record event processing duration
// under the final chain status (handled, passed, error, canceled).
func StartEventProcessing() func(status string) {
	start := time.Now()
	return func(status string) {
		eventProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
