package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("should count enqueues and failures", func(t *testing.T) {
		c := NewCollector()
		c.RecordEnqueue()
		c.RecordEnqueue()
		c.RecordEnqueueFailure()

		assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsEnqueued))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.enqueueFailures))
	})

	t.Run("should label processed results", func(t *testing.T) {
		c := NewCollector()
		c.RecordProcessed(true, 0.2)
		c.RecordProcessed(false, 0.1)
		c.RecordProcessed(false, 0.1)

		assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsProcessed.WithLabelValues("success")))
		assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsProcessed.WithLabelValues("failure")))
	})

	t.Run("should track loop state", func(t *testing.T) {
		c := NewCollector()
		c.SetLoopRunning(true)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.loopRunning))
		c.SetLoopRunning(false)
		assert.Equal(t, 0.0, testutil.ToFloat64(c.loopRunning))
	})

	t.Run("should ignore non-positive reclaim counts", func(t *testing.T) {
		c := NewCollector()
		c.RecordLocksReclaimed(0)
		c.RecordLocksReclaimed(3)
		assert.Equal(t, 3.0, testutil.ToFloat64(c.locksReclaimed))
	})

	t.Run("should allow independent collectors", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewCollector()
			NewCollector()
		})
	})

	t.Run("should be safe on a nil collector", func(t *testing.T) {
		var c *Collector
		assert.NotPanics(t, func() {
			c.RecordEnqueue()
			c.RecordReceived(1)
			c.RecordProcessed(true, 1)
			c.RecordReschedule(false)
			c.RecordCollaboratorError("dequeue")
			c.SetLoopRunning(true)
		})
	})

	t.Run("should expose metrics over HTTP", func(t *testing.T) {
		c := NewCollector()
		c.RecordReschedule(true)

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `chime_reschedules_total{result="success"} 1`)
	})
}
