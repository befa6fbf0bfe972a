package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Tick("a")
		m.Delivery("log", "delivered")
		m.Suppressed("dedup")
		m.ActiveRules("a", 3)
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Delivery("telegram", "delivered")
	m.Delivery("telegram", "delivered")
	m.Suppressed("rate_limited")

	assert.InDelta(t, 2, testutil.ToFloat64(m.deliveries.WithLabelValues("telegram", "delivered")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.suppressed.WithLabelValues("rate_limited")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tradewatch_notifications_total"))
}
