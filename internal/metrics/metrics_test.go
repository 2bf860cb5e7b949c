package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordIngestedIgnoresEmptyCounts(t *testing.T) {
	before := testutil.ToFloat64(activitiesIngested.WithLabelValues("inserted"))
	RecordIngested("inserted", 0)
	RecordIngested("inserted", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(activitiesIngested.WithLabelValues("inserted")))
}

func TestRecordSyncRunCountsOutcome(t *testing.T) {
	before := testutil.ToFloat64(syncRuns.WithLabelValues("failed"))
	RecordSyncRun("failed", 250*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(syncRuns.WithLabelValues("failed")))
}

func TestGauges(t *testing.T) {
	SetQueueDepth(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth))

	RecordSyncAllCompleted(time.Time{})
	RecordSyncAllCompleted(time.Unix(1700000000, 0))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(lastSyncAll))

	SetCircuitBreakerState("strava-api", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(circuitBreakerState.WithLabelValues("strava-api")))
}
