package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging"
	"parcelnet/internal/metrics"
	"parcelnet/internal/routing"
)

const (
	CourierIdle          State = "IDLE"
	CourierRequestRoute  State = "REQUEST_ROUTE"
	CourierDeliverParcel State = "DELIVER_PARCEL"
	CourierReturnDepot   State = "RETURN_DEPOT"
	CourierCharging      State = "CHARGING"
)

// FallbackRoute is reported when no route answer arrived in time.
const FallbackRoute = "Route unavailable"

const (
	DepotEveryDelivery = "every_delivery"
	DepotWhenEmpty     = "when_empty"
)

var courierEdges = map[State][]State{
	CourierIdle:          {CourierRequestRoute, CourierCharging},
	CourierRequestRoute:  {CourierDeliverParcel},
	CourierDeliverParcel: {CourierReturnDepot, CourierRequestRoute},
	CourierReturnDepot:   {CourierIdle},
	CourierCharging:      {CourierIdle},
}

type CourierConfig struct {
	ID       string
	Capacity int
	Battery  float64
	Location string

	IdleWait       time.Duration
	RouteWindow    time.Duration
	TransitDelay   time.Duration
	ReturnDelay    time.Duration
	ChargeDelay    time.Duration
	StatusInterval time.Duration

	LegCost         float64
	ReturnCost      float64
	ChargeStep      float64
	ChargeThreshold float64
	DepotPolicy     string
}

func (c CourierConfig) withDefaults() CourierConfig {
	if c.Capacity <= 0 {
		c.Capacity = 5
	}
	if c.Battery <= 0 || c.Battery > 100 {
		c.Battery = 100
	}
	if c.Location == "" {
		c.Location = routing.Depot
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 15 * time.Second
	}
	if c.RouteWindow <= 0 {
		c.RouteWindow = 5 * time.Second
	}
	if c.TransitDelay <= 0 {
		c.TransitDelay = 2 * time.Second
	}
	if c.ReturnDelay <= 0 {
		c.ReturnDelay = time.Second
	}
	if c.ChargeDelay <= 0 {
		c.ChargeDelay = time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.LegCost <= 0 {
		c.LegCost = 5
	}
	if c.ReturnCost <= 0 {
		c.ReturnCost = 2
	}
	if c.ChargeStep <= 0 {
		c.ChargeStep = 10
	}
	if c.ChargeThreshold <= 0 {
		c.ChargeThreshold = 20
	}
	if c.DepotPolicy == "" {
		c.DepotPolicy = DepotEveryDelivery
	}
	return c
}

type courierState struct {
	location   string
	lat, lon   float64
	battery    float64
	charging   bool
	deliveries []domain.ParcelAssignmentPayload
	route      string
	updatedAt  time.Time
}

// Courier carries assigned parcels one leg at a time and reports its state
// to the supervisor on a fixed interval.
type Courier struct {
	id      string
	cfg     CourierConfig
	bus     Bus
	inbox   <-chan domain.Message
	fsm     *FSM
	logger  *zap.Logger
	metrics *metrics.Collector

	// mu guards st between the FSM and the status reporter.
	mu sync.Mutex
	st courierState
}

func NewCourier(bus Bus, cfg CourierConfig, logger *zap.Logger, m *metrics.Collector) *Courier {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("agent", cfg.ID))

	st := courierState{location: cfg.Location, battery: cfg.Battery, updatedAt: time.Now().UTC()}
	if loc, ok := routing.Locate(cfg.Location); ok {
		st.lat, st.lon = loc.Lat, loc.Lon
	}
	return &Courier{
		id:      cfg.ID,
		cfg:     cfg,
		bus:     bus,
		inbox:   bus.Register(cfg.ID),
		fsm:     NewFSM(cfg.ID, CourierIdle, courierEdges, logger),
		logger:  logger,
		metrics: m,
		st:      st,
	}
}

func (c *Courier) ID() string { return c.id }

func (c *Courier) State() State { return c.fsm.State() }

// Run drives the delivery FSM and the status reporter until ctx is done.
func (c *Courier) Run(ctx context.Context) error {
	defer c.bus.Unregister(c.id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reportStatus(ctx)
	}()

	err := c.fsm.Run(ctx, map[State]StateFunc{
		CourierIdle:          c.idle,
		CourierRequestRoute:  c.requestRoute,
		CourierDeliverParcel: c.deliverParcel,
		CourierReturnDepot:   c.returnDepot,
		CourierCharging:      c.charge,
	})
	wg.Wait()
	return err
}

// Status reports the courier as the supervisor sees it.
func (c *Courier) Status() domain.CourierStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	load := len(c.st.deliveries)
	return domain.CourierStatus{
		CourierID: c.id,
		Location:  c.st.location,
		Lat:       c.st.lat,
		Lon:       c.st.lon,
		Battery:   c.st.battery,
		Load:      load,
		Capacity:  c.cfg.Capacity,
		Busy:      c.st.charging || load >= c.cfg.Capacity,
		UpdatedAt: c.st.updatedAt,
	}
}

func (c *Courier) idle(ctx context.Context) (State, error) {
	if c.battery() < c.cfg.ChargeThreshold {
		return CourierCharging, nil
	}
	if c.pending() > 0 {
		return CourierRequestRoute, nil
	}

	msg, err := messaging.Receive(ctx, c.inbox, c.cfg.IdleWait)
	switch {
	case errors.Is(err, messaging.ErrReplyTimeout):
		return CourierIdle, nil
	case err != nil:
		return CourierIdle, err
	}
	c.accept(msg)
	if c.pending() > 0 {
		return CourierRequestRoute, nil
	}
	return CourierIdle, nil
}

// accept appends a valid assignment to the delivery list and drops
// anything else.
func (c *Courier) accept(msg domain.Message) {
	if msg.Type != domain.MessageTypeParcelAssignment {
		c.logger.Debug("ignoring message", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		c.metrics.Dropped(c.id, "unexpected")
		return
	}
	var a domain.ParcelAssignmentPayload
	if err := msg.Decode(&a); err != nil {
		c.logger.Warn("malformed assignment", zap.Error(err))
		c.metrics.Dropped(c.id, "malformed")
		return
	}

	c.mu.Lock()
	c.st.deliveries = append(c.st.deliveries, a)
	load := len(c.st.deliveries)
	c.st.updatedAt = time.Now().UTC()
	c.mu.Unlock()

	if load > c.cfg.Capacity {
		c.logger.Warn("assignment over capacity", zap.String("parcel", a.ParcelID), zap.Int("load", load))
	}
	c.logger.Info("parcel accepted", zap.String("parcel", a.ParcelID), zap.String("destination", a.Destination))
}

func (c *Courier) requestRoute(ctx context.Context) (State, error) {
	parcel, ok := c.current()
	if !ok {
		return CourierDeliverParcel, nil
	}
	origin := c.Status().Location
	token := domain.NewToken()

	route := FallbackRoute
	err := publish(c.bus, c.id, RoutingID, domain.PerformativeRequest, domain.MessageTypeRouteRequest, token,
		domain.RouteRequestPayload{Origin: origin, Destination: parcel.Destination})
	if err != nil {
		c.logger.Warn("route request not sent", zap.Error(err))
	} else {
		reply, err := messaging.AwaitReply(ctx, c.inbox, token, c.cfg.RouteWindow, c.accept)
		switch {
		case err == nil && reply.Type == domain.MessageTypeRouteResponse:
			var rr domain.RouteResponsePayload
			if derr := reply.Decode(&rr); derr != nil {
				c.logger.Warn("malformed route response", zap.Error(derr))
			} else {
				route = rr.Describe()
			}
		case ctx.Err() != nil:
			return CourierRequestRoute, nil
		case err != nil && !errors.Is(err, messaging.ErrReplyTimeout):
			return CourierRequestRoute, err
		}
	}
	if route == FallbackRoute {
		c.metrics.RouteFallback()
		c.logger.Warn("no route in time, using fallback", zap.String("parcel", parcel.ParcelID))
	}

	c.mu.Lock()
	c.st.route = route
	c.mu.Unlock()
	return CourierDeliverParcel, nil
}

func (c *Courier) deliverParcel(ctx context.Context) (State, error) {
	parcel, ok := c.current()
	if !ok {
		return c.afterDelivery(), nil
	}
	started := time.Now().UTC()
	c.report(parcel, domain.ParcelStatusInTransit, started, time.Time{})

	if err := sleep(ctx, c.cfg.TransitDelay); err != nil {
		return CourierDeliverParcel, nil
	}

	c.mu.Lock()
	c.st.battery = drain(c.st.battery, c.cfg.LegCost)
	c.st.location = parcel.Destination
	if loc, ok := routing.Locate(parcel.Destination); ok {
		c.st.lat, c.st.lon = loc.Lat, loc.Lon
	}
	c.st.deliveries = c.st.deliveries[1:]
	c.st.updatedAt = time.Now().UTC()
	c.mu.Unlock()

	c.report(parcel, domain.ParcelStatusDelivered, started, time.Now().UTC())
	c.logger.Info("parcel delivered", zap.String("parcel", parcel.ParcelID), zap.Float64("battery", c.battery()))
	return c.afterDelivery(), nil
}

func (c *Courier) afterDelivery() State {
	if c.cfg.DepotPolicy == DepotWhenEmpty && c.pending() > 0 && c.battery() >= c.cfg.ChargeThreshold {
		return CourierRequestRoute
	}
	return CourierReturnDepot
}

func (c *Courier) report(parcel domain.ParcelAssignmentPayload, status domain.ParcelStatus, started, finished time.Time) {
	c.mu.Lock()
	body := domain.DeliveryReportPayload{
		ParcelID:   parcel.ParcelID,
		CourierID:  c.id,
		Status:     status,
		Route:      c.st.route,
		Lat:        c.st.lat,
		Lon:        c.st.lon,
		StartedAt:  started,
		FinishedAt: finished,
	}
	c.mu.Unlock()
	err := publish(c.bus, c.id, SupervisorID, domain.PerformativeInform, domain.MessageTypeDeliveryReport, "", body)
	if err != nil {
		c.logger.Warn("delivery report not sent", zap.String("parcel", parcel.ParcelID), zap.Error(err))
	}
}

func (c *Courier) returnDepot(ctx context.Context) (State, error) {
	if err := sleep(ctx, c.cfg.ReturnDelay); err != nil {
		return CourierReturnDepot, nil
	}
	c.mu.Lock()
	c.st.battery = drain(c.st.battery, c.cfg.ReturnCost)
	c.st.location = routing.Depot
	if loc, ok := routing.Locate(routing.Depot); ok {
		c.st.lat, c.st.lon = loc.Lat, loc.Lon
	}
	c.st.updatedAt = time.Now().UTC()
	c.mu.Unlock()
	return CourierIdle, nil
}

// charge reads no messages; assignments wait in the inbox until the
// battery is full.
func (c *Courier) charge(ctx context.Context) (State, error) {
	c.mu.Lock()
	c.st.charging = true
	c.mu.Unlock()
	c.logger.Info("charging", zap.Float64("battery", c.battery()))

	for c.battery() < 99 {
		if err := sleep(ctx, c.cfg.ChargeDelay); err != nil {
			return CourierCharging, nil
		}
		c.mu.Lock()
		c.st.battery += c.cfg.ChargeStep
		if c.st.battery > 100 {
			c.st.battery = 100
		}
		c.st.updatedAt = time.Now().UTC()
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.st.battery = 100
	c.st.charging = false
	c.st.updatedAt = time.Now().UTC()
	c.mu.Unlock()
	return CourierIdle, nil
}

func (c *Courier) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		body := domain.CourierStatusPayload(c.Status())
		body.UpdatedAt = time.Now().UTC()
		if err := publish(c.bus, c.id, SupervisorID, domain.PerformativeInform, domain.MessageTypeCourierStatus, "", body); err != nil {
			c.logger.Debug("status not sent", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Courier) battery() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.battery
}

func (c *Courier) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.st.deliveries)
}

func (c *Courier) current() (domain.ParcelAssignmentPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.st.deliveries) == 0 {
		return domain.ParcelAssignmentPayload{}, false
	}
	return c.st.deliveries[0], true
}

func drain(battery, cost float64) float64 {
	battery -= cost
	if battery < 0 {
		return 0
	}
	return battery
}
