package api

import (
	"net/http"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

type reportResponse struct {
	models.RunReport
	Totals    models.Totals `json:"totals"`
	Succeeded bool          `json:"succeeded"`
	Finished  bool          `json:"finished"`
}

func (h *handler) report(w http.ResponseWriter, _ *http.Request) {
	if h.reports == nil {
		jsonError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}

	snap := h.reports.Snapshot()
	jsonResponse(w, http.StatusOK, reportResponse{
		RunReport: snap,
		Totals:    snap.Totals(),
		Succeeded: snap.Succeeded(),
		Finished:  !snap.FinishedAt.IsZero(),
	})
}
