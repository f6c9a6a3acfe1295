package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging/inproc"
	"parcelnet/internal/routing"
)

func TestRouterAnswersRouteRequests(t *testing.T) {
	bus := inproc.New(64)
	router := NewRouter(bus, routing.NewGIS(7, 0), zaptest.NewLogger(t), nil)
	run(t, router.Run)
	courier := newPeer(bus, "c1")

	courier.send(t, RoutingID, domain.PerformativeRequest, domain.MessageTypeRouteRequest, "route-1",
		domain.RouteRequestPayload{Origin: routing.Depot, Destination: "Iulius Town"})
	reply := courier.expect(t, domain.MessageTypeRouteResponse)
	assert.Equal(t, "route-1", reply.CorrelationToken)

	route := decode[domain.RouteResponsePayload](t, reply)
	assert.Equal(t, routing.Depot, route.Waypoints[0])
	assert.Equal(t, "Iulius Town", route.Waypoints[len(route.Waypoints)-1])
	assert.InDelta(t, 2.92, route.DistanceKM, 0.05)
	assert.GreaterOrEqual(t, route.TrafficFactor, 1.0)
	assert.Less(t, route.TrafficFactor, 1.5)
}

func TestRouterStaysSilentOnUnknownLocation(t *testing.T) {
	bus := inproc.New(64)
	router := NewRouter(bus, routing.NewGIS(7, 0), zaptest.NewLogger(t), nil)
	run(t, router.Run)
	courier := newPeer(bus, "c1")

	courier.send(t, RoutingID, domain.PerformativeRequest, domain.MessageTypeRouteRequest, "route-2",
		domain.RouteRequestPayload{Origin: routing.Depot, Destination: "Atlantis"})
	courier.quiet(t, domain.MessageTypeRouteResponse, 100*time.Millisecond)
}
