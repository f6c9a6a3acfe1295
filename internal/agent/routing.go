package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging"
	"parcelnet/internal/metrics"
	"parcelnet/internal/routing"
)

// Router answers route requests from the routing service. Requests it
// cannot answer get no reply and the courier falls back.
type Router struct {
	service routing.Service
	bus     Bus
	inbox   <-chan domain.Message
	idle    time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewRouter(bus Bus, service routing.Service, logger *zap.Logger, m *metrics.Collector) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		service: service,
		bus:     bus,
		inbox:   bus.Register(RoutingID),
		idle:    10 * time.Second,
		logger:  logger.With(zap.String("agent", RoutingID)),
		metrics: m,
	}
}

func (r *Router) Run(ctx context.Context) error {
	defer r.bus.Unregister(RoutingID)
	for {
		msg, err := messaging.Receive(ctx, r.inbox, r.idle)
		switch {
		case errors.Is(err, messaging.ErrReplyTimeout):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		r.handle(ctx, msg)
	}
}

func (r *Router) handle(ctx context.Context, msg domain.Message) {
	if msg.Type != domain.MessageTypeRouteRequest {
		r.logger.Debug("ignoring message", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		r.metrics.Dropped(RoutingID, "unexpected")
		return
	}
	var req domain.RouteRequestPayload
	if err := msg.Decode(&req); err != nil {
		r.logger.Warn("malformed route request", zap.Error(err))
		r.metrics.Dropped(RoutingID, "malformed")
		return
	}

	route, err := r.service.RequestRoute(ctx, req.Origin, req.Destination)
	if err != nil {
		r.logger.Warn("no route",
			zap.String("origin", req.Origin),
			zap.String("destination", req.Destination),
			zap.Error(err),
		)
		return
	}

	err = publish(r.bus, RoutingID, msg.From, domain.PerformativeInform, domain.MessageTypeRouteResponse, msg.CorrelationToken,
		domain.RouteResponsePayload{
			Waypoints:     route.Waypoints,
			DistanceKM:    route.DistanceKM,
			TrafficFactor: route.TrafficFactor,
		})
	if err != nil {
		r.logger.Warn("route response not sent", zap.String("to", msg.From), zap.Error(err))
		return
	}
	r.logger.Debug("route sent", zap.String("to", msg.From), zap.String("route", route.Describe()))
}
