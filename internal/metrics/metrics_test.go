package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.jobsActive, "jobsActive gauge should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.NotNil(t, collector.statusPolls, "statusPolls counter should be initialized")
	assert.NotNil(t, collector.probes, "probes counter should be initialized")
}

func TestJobLifecycleCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordSubmit("simulator")
	collector.JobStarted()
	collector.JobStarted()
	collector.RecordCompleted(1.5, 3)
	collector.RecordFailed(0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsSubmitted.WithLabelValues("simulator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.rowsScored))
}

func TestPollAndProbeCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		collector.RecordPoll("ok")
	}
	collector.RecordPoll("TRANSPORT_ERROR")
	collector.RecordProbe(true)
	collector.RecordProbe(false)
	collector.RecordProbe(false)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.statusPolls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.statusPolls.WithLabelValues("TRANSPORT_ERROR")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.probes.WithLabelValues("unreachable")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordSubmit("remote")
		collector.JobStarted()
		collector.RecordCompleted(1, 1)
		collector.RecordFailed(1)
		collector.RecordPoll("ok")
		collector.RecordProbe(true)
	})

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.RecordSubmit("remote")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fraud_jobs_submitted_total{backend="remote"} 1`)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() { NewCollector(reg) })
}
