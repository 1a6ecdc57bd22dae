package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/launchpad/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.Register()
		metrics.Register()
	})
}

func TestCollectorsExposed(t *testing.T) {
	metrics.ObserveIngest(3)
	metrics.ObserveFlush("success", 12*time.Millisecond)
	metrics.SetBufferedJobs(2)
	metrics.ObserveStatusTransition("deployed")
	metrics.GatewayConnected()
	metrics.ObserveDelivery(true)
	metrics.ObserveDelivery(false)
	metrics.ObserveSlowConsumer()
	metrics.GatewayDisconnected()
	metrics.ObserveSubmission(nil)
	metrics.ObserveSubmission(errors.New("boom"))

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"launchpad_aggregator_lines_ingested_total",
		"launchpad_aggregator_flushes_total",
		"launchpad_aggregator_flush_duration_seconds",
		"launchpad_aggregator_buffered_jobs",
		`launchpad_jobs_status_transitions_total{status="deployed"}`,
		"launchpad_gateway_connections",
		`launchpad_gateway_messages_total{outcome="dropped"}`,
		"launchpad_gateway_slow_consumers_disconnected_total",
		`launchpad_submit_submissions_total{result="error"}`,
	} {
		assert.Contains(t, body, name)
	}
}
