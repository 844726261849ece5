package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("ping", "ok", time.Millisecond)
		m.AddPending(1)
		m.CorrelationTimeout()
		m.AuthDecision("authz", "deny")
		m.AddSessions(1)
	})
}

func TestCollectors(t *testing.T) {
	m := New()

	m.ObserveRequest("tools/call", "ok", 10*time.Millisecond)
	m.ObserveRequest("tools/call", "ok", 20*time.Millisecond)
	m.AddPending(3)
	m.AddPending(-1)
	m.CorrelationTimeout()
	m.AuthDecision("authz", "deny")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestCount.WithLabelValues("tools/call", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PendingRequests))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Timeouts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthDecisions.WithLabelValues("authz", "deny")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.CorrelationTimeout()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mcp_relay_correlation_timeouts_total 1"))
}
