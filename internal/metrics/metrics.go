// Package metrics exposes the simulation's Prometheus counters and gauges.
// Every method is safe on a nil *Collector so agents can run without one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parcelnet"

type Collector struct {
	parcelsReceived prometheus.Counter
	assignments     *prometheus.CounterVec
	requeued        *prometheus.CounterVec
	selections      *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	routeFallbacks  prometheus.Counter
	dropped         *prometheus.CounterVec
	storeLatency    prometheus.Histogram
	queueDepth      prometheus.Gauge
	courierBattery  *prometheus.GaugeVec
	courierLoad     *prometheus.GaugeVec
}

// NewCollector registers all metrics on reg. Use a fresh registry per
// simulation so tests never collide on the global one.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		parcelsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcels_received_total",
			Help:      "Parcels accepted into the warehouse queue",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_attempts_total",
			Help:      "Warehouse assignment attempts by outcome",
		}, []string{"result"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcels_requeued_total",
			Help:      "Parcels pushed back to the queue front",
		}, []string{"reason"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "courier_selections_total",
			Help:      "Load balancer decisions by policy and result",
		}, []string{"policy", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_reports_total",
			Help:      "Delivery reports accepted by the supervisor",
		}, []string{"status"}),
		routeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_fallbacks_total",
			Help:      "Deliveries that ran on the fallback route",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded by an agent",
		}, []string{"agent", "reason"}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_seconds",
			Help:      "Record store write latency",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warehouse_queue_depth",
			Help:      "Parcels waiting in the warehouse queue",
		}),
		courierBattery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "courier_battery_percent",
			Help:      "Last reported courier battery",
		}, []string{"courier"}),
		courierLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "courier_load",
			Help:      "Last reported courier load",
		}, []string{"courier"}),
	}

	reg.MustRegister(
		c.parcelsReceived,
		c.assignments,
		c.requeued,
		c.selections,
		c.deliveries,
		c.routeFallbacks,
		c.dropped,
		c.storeLatency,
		c.queueDepth,
		c.courierBattery,
		c.courierLoad,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) ParcelReceived(queueDepth int) {
	if c == nil {
		return
	}
	c.parcelsReceived.Inc()
	c.queueDepth.Set(float64(queueDepth))
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// AssignmentAttempt records one warehouse round: "assigned", "none" or
// "timeout".
func (c *Collector) AssignmentAttempt(result string) {
	if c == nil {
		return
	}
	c.assignments.WithLabelValues(result).Inc()
}

func (c *Collector) Requeued(reason string) {
	if c == nil {
		return
	}
	c.requeued.WithLabelValues(reason).Inc()
}

func (c *Collector) Selection(policy string, ok bool) {
	if c == nil {
		return
	}
	result := "selected"
	if !ok {
		result = "none"
	}
	c.selections.WithLabelValues(policy, result).Inc()
}

func (c *Collector) DeliveryReport(status string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(status).Inc()
}

func (c *Collector) RouteFallback() {
	if c == nil {
		return
	}
	c.routeFallbacks.Inc()
}

func (c *Collector) Dropped(agent, reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(agent, reason).Inc()
}

func (c *Collector) StoreWrite(started time.Time) {
	if c == nil {
		return
	}
	c.storeLatency.Observe(time.Since(started).Seconds())
}

func (c *Collector) CourierStatus(courierID string, battery float64, load int) {
	if c == nil {
		return
	}
	c.courierBattery.WithLabelValues(courierID).Set(battery)
	c.courierLoad.WithLabelValues(courierID).Set(float64(load))
}
