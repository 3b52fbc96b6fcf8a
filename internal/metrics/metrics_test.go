package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

func TestRecorder_ObserveOutcome(t *testing.T) {
	r := NewRecorder()

	r.ObserveOutcome(models.DrainOutcome{
		Entity:           models.NewQueueEntity("orders", 5),
		MessagesRemoved:  3,
		MessagesRedriven: 1,
		Errors: []models.Failure{
			{Entity: "orders", Category: models.CategoryLockExpired},
		},
		StopReason: models.StopBudgetExhausted,
		Duration:   models.Duration(time.Second),
	}, false)

	assert.InDelta(t, 3, testutil.ToFloat64(r.MessagesTotal.WithLabelValues("orders", "discard", "false")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.MessagesTotal.WithLabelValues("orders", "redrive", "false")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(r.MessagesTotal.WithLabelValues("orders", "skip", "false")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.ErrorsTotal.WithLabelValues("orders", "lock_expired")), 0)
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveLookupFailure(models.Failure{Entity: "billing/retry-sub", Category: models.CategoryEntityNotFound})

	path := filepath.Join(t.TempDir(), "dlq_purge.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dlq_purge_errors_total{category="entity_not_found",entity="billing/retry-sub"} 1`)
}
