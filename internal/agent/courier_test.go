package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging/inproc"
	"parcelnet/internal/routing"
)

func fastCourier(id string) CourierConfig {
	return CourierConfig{
		ID:             id,
		IdleWait:       50 * time.Millisecond,
		RouteWindow:    300 * time.Millisecond,
		TransitDelay:   10 * time.Millisecond,
		ReturnDelay:    10 * time.Millisecond,
		ChargeDelay:    5 * time.Millisecond,
		StatusInterval: 20 * time.Millisecond,
	}
}

type courierHarness struct {
	bus        *inproc.Bus
	courier    *Courier
	supervisor *peer
	warehouse  *peer
}

func newCourierHarness(t *testing.T, cfg CourierConfig) *courierHarness {
	t.Helper()
	bus := inproc.New(256)
	return &courierHarness{
		bus:        bus,
		courier:    NewCourier(bus, cfg, zaptest.NewLogger(t), nil),
		supervisor: newPeer(bus, SupervisorID),
		warehouse:  newPeer(bus, WarehouseID),
	}
}

func (h *courierHarness) assign(t *testing.T, parcelID, destination string) {
	t.Helper()
	h.warehouse.send(t, h.courier.ID(), domain.PerformativeInform, domain.MessageTypeParcelAssignment, "",
		domain.ParcelAssignmentPayload{ParcelID: parcelID, Urgency: domain.UrgencyMedium, Info: "books", Destination: destination})
}

// nextReport skips courier status messages.
func (h *courierHarness) nextReport(t *testing.T) domain.DeliveryReportPayload {
	t.Helper()
	return decode[domain.DeliveryReportPayload](t, h.supervisor.expect(t, domain.MessageTypeDeliveryReport))
}

func answerRoute(t *testing.T, router *peer) domain.RouteRequestPayload {
	t.Helper()
	msg := router.expect(t, domain.MessageTypeRouteRequest)
	req := decode[domain.RouteRequestPayload](t, msg)
	router.send(t, msg.From, domain.PerformativeInform, domain.MessageTypeRouteResponse, msg.CorrelationToken,
		domain.RouteResponsePayload{Waypoints: []string{req.Origin, "waypoint_2", req.Destination}, DistanceKM: 2.9, TrafficFactor: 1.2})
	return req
}

func TestCourierDeliversWithRoute(t *testing.T) {
	h := newCourierHarness(t, fastCourier("c1"))
	router := newPeer(h.bus, RoutingID)
	h.assign(t, "p1", "Iulius Town")
	run(t, h.courier.Run)

	req := answerRoute(t, router)
	assert.Equal(t, routing.Depot, req.Origin)
	assert.Equal(t, "Iulius Town", req.Destination)

	inTransit := h.nextReport(t)
	assert.Equal(t, domain.ParcelStatusInTransit, inTransit.Status)
	assert.Equal(t, "Warehouse -> waypoint_2 -> Iulius Town", inTransit.Route)
	assert.False(t, inTransit.StartedAt.IsZero())

	delivered := h.nextReport(t)
	assert.Equal(t, domain.ParcelStatusDelivered, delivered.Status)
	assert.Equal(t, "c1", delivered.CourierID)
	assert.Equal(t, inTransit.Route, delivered.Route)
	assert.False(t, delivered.FinishedAt.Before(delivered.StartedAt))
	loc, _ := routing.Locate("Iulius Town")
	assert.InDelta(t, loc.Lat, delivered.Lat, 1e-9)

	// Leg cost 5 plus return cost 2 under the every-delivery depot policy.
	require.NoError(t, waitForCondition(waitLong, func() bool {
		st := h.courier.Status()
		return st.Location == routing.Depot && st.Battery == 93
	}))
	assert.Equal(t, 0, h.courier.Status().Load)
}

func TestCourierFallsBackWithoutRoutingService(t *testing.T) {
	h := newCourierHarness(t, fastCourier("c1"))
	h.assign(t, "p1", "Piata Unirii")
	run(t, h.courier.Run)

	report := h.nextReport(t)
	assert.Equal(t, domain.ParcelStatusInTransit, report.Status)
	assert.Equal(t, FallbackRoute, report.Route)
	assert.Equal(t, domain.ParcelStatusDelivered, h.nextReport(t).Status)
}

func TestCourierFallsBackWhenRouteTimesOut(t *testing.T) {
	cfg := fastCourier("c1")
	cfg.RouteWindow = 30 * time.Millisecond
	h := newCourierHarness(t, cfg)
	router := newPeer(h.bus, RoutingID)
	h.assign(t, "p1", "Piata Unirii")
	run(t, h.courier.Run)

	late := router.expect(t, domain.MessageTypeRouteRequest)
	report := h.nextReport(t)
	assert.Equal(t, FallbackRoute, report.Route)

	// A route answer after the window is ignored.
	router.send(t, "c1", domain.PerformativeInform, domain.MessageTypeRouteResponse, late.CorrelationToken,
		domain.RouteResponsePayload{Waypoints: []string{"Warehouse", "Piata Unirii"}})
	assert.Equal(t, FallbackRoute, h.nextReport(t).Route)
}

func TestCourierAcceptsAssignmentDuringRouteWait(t *testing.T) {
	h := newCourierHarness(t, fastCourier("c1"))
	router := newPeer(h.bus, RoutingID)
	h.assign(t, "p1", "Iulius Town")
	run(t, h.courier.Run)

	first := router.expect(t, domain.MessageTypeRouteRequest)
	h.assign(t, "p2", "Piata Victoriei")
	require.NoError(t, waitForCondition(waitLong, func() bool { return h.courier.Status().Load == 2 }))
	router.send(t, "c1", domain.PerformativeInform, domain.MessageTypeRouteResponse, first.CorrelationToken,
		domain.RouteResponsePayload{Waypoints: []string{"Warehouse", "waypoint_1", "Iulius Town"}})

	second := answerRoute(t, router)
	assert.Equal(t, "Piata Victoriei", second.Destination)
	assert.Equal(t, routing.Depot, second.Origin, "every-delivery couriers leave from the depot")

	var delivered []string
	for len(delivered) < 2 {
		if r := h.nextReport(t); r.Status == domain.ParcelStatusDelivered {
			delivered = append(delivered, r.ParcelID)
		}
	}
	assert.Equal(t, []string{"p1", "p2"}, delivered)
}

func TestCourierWhenEmptyChainsDeliveries(t *testing.T) {
	cfg := fastCourier("c1")
	cfg.DepotPolicy = DepotWhenEmpty
	h := newCourierHarness(t, cfg)
	router := newPeer(h.bus, RoutingID)
	h.assign(t, "p1", "Iulius Town")
	h.assign(t, "p2", "Piata Victoriei")
	run(t, h.courier.Run)

	first := answerRoute(t, router)
	assert.Equal(t, routing.Depot, first.Origin)
	second := answerRoute(t, router)
	assert.Equal(t, "Iulius Town", second.Origin)
	assert.Equal(t, "Piata Victoriei", second.Destination)

	// Two legs and a single return trip.
	require.NoError(t, waitForCondition(waitLong, func() bool {
		st := h.courier.Status()
		return st.Location == routing.Depot && st.Load == 0 && st.Battery == 88
	}))
}

func TestCourierReportsStatusPeriodically(t *testing.T) {
	cfg := fastCourier("c1")
	cfg.Capacity = 3
	h := newCourierHarness(t, cfg)
	run(t, h.courier.Run)

	for i := 0; i < 2; i++ {
		st := decode[domain.CourierStatusPayload](t, h.supervisor.expect(t, domain.MessageTypeCourierStatus))
		assert.Equal(t, "c1", st.CourierID)
		assert.Equal(t, 3, st.Capacity)
		assert.Equal(t, routing.Depot, st.Location)
		assert.False(t, st.Busy)
	}
}

func TestCourierChargesWithoutReadingInbox(t *testing.T) {
	cfg := fastCourier("c1")
	cfg.Battery = 15
	h := newCourierHarness(t, cfg)
	h.assign(t, "p1", "Iulius Town")

	var (
		samples []float64
		sawBusy bool
	)
	done := make(chan State, 1)
	go func() {
		next, err := h.courier.charge(context.Background())
		assert.NoError(t, err)
		done <- next
	}()

	var next State
	for collecting := true; collecting; {
		st := h.courier.Status()
		samples = append(samples, st.Battery)
		sawBusy = sawBusy || st.Busy
		select {
		case next = <-done:
			collecting = false
		case <-time.After(time.Millisecond):
		}
	}

	assert.Equal(t, CourierIdle, next)
	assert.True(t, sawBusy, "a charging courier reports busy")
	assert.IsNonDecreasing(t, samples)
	st := h.courier.Status()
	assert.Equal(t, 100.0, st.Battery)
	assert.False(t, st.Busy)
	assert.Len(t, h.courier.inbox, 1, "the assignment stays queued while charging")
}

func TestCourierChargesBeforeWorkWhenLow(t *testing.T) {
	cfg := fastCourier("c1")
	cfg.Battery = 10
	h := newCourierHarness(t, cfg)
	router := newPeer(h.bus, RoutingID)
	h.assign(t, "p1", "Iulius Town")
	run(t, h.courier.Run)

	req := router.expect(t, domain.MessageTypeRouteRequest)
	assert.Equal(t, "Iulius Town", decode[domain.RouteRequestPayload](t, req).Destination)
	assert.Equal(t, 100.0, h.courier.Status().Battery)
}

func TestCourierBusyAtCapacity(t *testing.T) {
	cfg := fastCourier("c1")
	cfg.Capacity = 1
	h := newCourierHarness(t, cfg)
	newPeer(h.bus, RoutingID)
	h.assign(t, "p1", "Iulius Town")
	run(t, h.courier.Run)

	require.NoError(t, waitForCondition(waitLong, func() bool { return h.courier.Status().Busy }))
	assert.Equal(t, 1, h.courier.Status().Load)
}
