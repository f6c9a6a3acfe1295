package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ParcelReceived(3)
	c.ParcelReceived(4)
	c.AssignmentAttempt("assigned")
	c.AssignmentAttempt("none")
	c.AssignmentAttempt("none")
	c.Requeued("none")
	c.Selection("least_loaded", true)
	c.Selection("least_loaded", false)
	c.DeliveryReport("DELIVERED")
	c.RouteFallback()
	c.Dropped("supervisor", "unknown_courier")
	c.CourierStatus("courier1", 81.5, 2)
	c.StoreWrite(time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(c.parcelsReceived))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.assignments.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.assignments.WithLabelValues("assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requeued.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.selections.WithLabelValues("least_loaded", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("DELIVERED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.routeFallbacks))
	assert.Equal(t, 81.5, testutil.ToFloat64(c.courierBattery.WithLabelValues("courier1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.courierLoad.WithLabelValues("courier1")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ParcelReceived(1)
		c.QueueDepth(0)
		c.AssignmentAttempt("timeout")
		c.Requeued("timeout")
		c.Selection("delivery_counter", true)
		c.DeliveryReport("DELIVERED")
		c.RouteFallback()
		c.Dropped("warehouse", "malformed")
		c.StoreWrite(time.Now())
		c.CourierStatus("c", 1, 1)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RouteFallback()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "parcelnet_route_fallbacks_total 1")
}
