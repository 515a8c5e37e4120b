package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetrics(registry, logger.NewNop()).(*syncMetrics)

	m.IncEventReceived("invoice.paid")
	m.IncEventReceived("invoice.paid")
	m.IncTransition("active", "unpaid", false)
	m.IncDeadLetter("permanent")
	m.SetLedgerEvents("pending", 3)
	m.ObserveProcessing("invoice.paid", "succeeded", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("invoice.paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("active", "unpaid", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters.WithLabelValues("permanent")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ledgerEvents.WithLabelValues("pending")))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := NewHTTPMetrics(registry, logger.NewNop())

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/items/:id", "204")))
}

func TestSystemMetrics_RecordsQueueDepth(t *testing.T) {
	m := NewSystemMetrics(prometheus.NewRegistry(), logger.NewNop()).(*systemMetrics)
	depth := 3
	m.WatchQueue("dispatcher", func() int { return depth })
	m.Record()
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("dispatcher")))
	assert.Greater(t, testutil.ToFloat64(m.goroutines), 0.0)

	depth = 0
	m.Record()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("dispatcher")))
}

func TestSystemMetrics_StopIsIdempotent(t *testing.T) {
	m := NewSystemMetrics(prometheus.NewRegistry(), logger.NewNop())
	m.StartRecording(time.Hour)
	m.Stop()
	m.Stop()
}
