package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveJob("host-jobs", "updates:check", JobCompleted, 150*time.Millisecond)
	pr.ObserveJob("host-jobs", "updates:check", JobFailed, 20*time.Millisecond)
	pr.IncEnqueueFailure("host-jobs")
	pr.SetObservers("host", 3)
	pr.IncBroadcast("host", "state")
	pr.IncOperationOutcome("host", "succeeded")
	pr.IncPluginLoadFailure("host", "broken")

	assert.InDelta(t, 1, testutil.ToFloat64(pr.jobOutcomes.WithLabelValues("host-jobs", "updates:check", "failed")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(pr.observers.WithLabelValues("host")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pr.pluginFailures.WithLabelValues("host", "broken")), 0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestHTTPHandlerServesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncBroadcast("host", "job")

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "applianced_broadcasts_total")
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveJob("q", "j", JobCompleted, time.Second)
	r.SetObservers("host", 1)
}
