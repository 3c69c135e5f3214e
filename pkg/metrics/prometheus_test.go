package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("exlink", reg)

	c.ObserveREST("binance", "weight", "success", 20*time.Millisecond)
	c.IncRESTRetry("binance", "SERVER_ERROR")
	c.ObserveRateLimit("weight", time.Second, true)
	c.IncWSConnect("binance", true)
	c.IncWSConnect("binance", false)
	c.IncGap("binance", "reconnect")
	c.SetQueueDepth("binance", 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.RESTRequests.WithLabelValues("binance", "weight", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RESTRetries.WithLabelValues("binance", "SERVER_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RateLimitTimeouts.WithLabelValues("weight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.WSConnects.WithLabelValues("binance", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StreamGaps.WithLabelValues("binance", "reconnect")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.QueueDepth.WithLabelValues("binance")))
}

func TestCollectors_NilIsNoop(t *testing.T) {
	var c *Collectors

	assert.NotPanics(t, func() {
		c.ObserveREST("x", "y", "success", time.Second)
		c.IncEvent("x", "order_update")
		c.SetStreamState("x", 1)
	})
}

func TestHandlerFor(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("exlink", reg)
	c.IncReconnect("bybit")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `exlink_stream_reconnects_total{exchange="bybit"} 1`)
}
