package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// ReportSource yields the report of the run in progress.
type ReportSource interface {
	Snapshot() models.RunReport
}

type handler struct {
	log *slog.Logger

	reports ReportSource
}

// NewRouter serves the status endpoints of a running purge. metrics may be
// nil, in which case /metrics is not registered.
func NewRouter(log *slog.Logger, reports ReportSource, metrics http.Handler) http.Handler {
	h := handler{
		log: log,

		reports: reports,
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/report", h.report).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	r.Use(Recovery(log), RequestLogging(log))

	return r
}
