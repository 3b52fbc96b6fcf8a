package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassflow/dlq-reconciler/internal/metrics"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/tests/testutils"
)

type fixedReport models.RunReport

func (r fixedReport) Snapshot() models.RunReport { return models.RunReport(r) }

func TestRouter_Healthz(t *testing.T) {
	router := NewRouter(testutils.NewTestLogger(), nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Report(t *testing.T) {
	src := fixedReport{
		RunID:     "run-1",
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Outcomes: []models.DrainOutcome{
			{Entity: models.NewQueueEntity("orders", 5), MessagesInspected: 3, MessagesRemoved: 3, StopReason: models.StopBudgetExhausted},
		},
	}
	router := NewRouter(testutils.NewTestLogger(), src, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("content-type"))

	var body struct {
		RunID    string        `json:"run_id"`
		Totals   models.Totals `json:"totals"`
		Finished bool          `json:"finished"`
		Outcomes []struct {
			StopReason string `json:"stop_reason"`
		} `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, 3, body.Totals.Removed)
	assert.False(t, body.Finished)
	require.Len(t, body.Outcomes, 1)
	assert.Equal(t, "budget_exhausted", body.Outcomes[0].StopReason)
}

func TestRouter_ReportWithoutRun(t *testing.T) {
	router := NewRouter(testutils.NewTestLogger(), nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	rec := metrics.NewRecorder()
	rec.ObserveOutcome(models.DrainOutcome{Entity: models.NewQueueEntity("orders", 1), MessagesRemoved: 2}, false)
	router := NewRouter(testutils.NewTestLogger(), nil, rec.Handler())

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `dlq_purge_messages_total{disposition="discard",dry_run="false",entity="orders"} 2`)
}
