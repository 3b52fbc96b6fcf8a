package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// Recorder holds the run metrics on its own registry, so that tests and
// repeated runs in one process do not collide on the default registry.
type Recorder struct {
	Registry *prometheus.Registry

	MessagesTotal    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	EntitiesInFlight prometheus.Gauge
	DrainDuration    *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlq_purge",
				Name:      "messages_total",
				Help:      "Dead-lettered messages settled, by disposition.",
			},
			[]string{"entity", "disposition", "dry_run"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dlq_purge",
				Name:      "errors_total",
				Help:      "Failures recorded during a run, by category.",
			},
			[]string{"entity", "category"},
		),
		EntitiesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dlq_purge",
				Name:      "entities_in_flight",
				Help:      "Entities currently being drained.",
			},
		),
		DrainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dlq_purge",
				Name:      "drain_duration_seconds",
				Help:      "Time spent draining one entity.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"stop_reason"},
		),
	}

	r.Registry.MustRegister(r.MessagesTotal, r.ErrorsTotal, r.EntitiesInFlight, r.DrainDuration)
	return r
}

// ObserveOutcome folds a finished drain into the counters.
func (r *Recorder) ObserveOutcome(outcome models.DrainOutcome, dryRun bool) {
	entity := outcome.Entity.Path
	dry := strconv.FormatBool(dryRun)

	r.MessagesTotal.WithLabelValues(entity, models.DispositionDiscard.String(), dry).Add(float64(outcome.MessagesRemoved))
	r.MessagesTotal.WithLabelValues(entity, models.DispositionRedrive.String(), dry).Add(float64(outcome.MessagesRedriven))
	r.MessagesTotal.WithLabelValues(entity, models.DispositionSkip.String(), dry).Add(float64(outcome.MessagesSkipped))

	for _, f := range outcome.Errors {
		r.ErrorsTotal.WithLabelValues(entity, string(f.Category)).Inc()
	}

	r.DrainDuration.WithLabelValues(string(outcome.StopReason)).Observe(time.Duration(outcome.Duration).Seconds())
}

func (r *Recorder) ObserveLookupFailure(f models.Failure) {
	r.ErrorsTotal.WithLabelValues(f.Entity, string(f.Category)).Inc()
}

// Handler serves the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry in the format the node exporter's
// textfile collector expects.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
