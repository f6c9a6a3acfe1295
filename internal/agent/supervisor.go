package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging"
	"parcelnet/internal/metrics"
	"parcelnet/internal/policy"
	"parcelnet/internal/sink"
)

type SupervisorConfig struct {
	Couriers       []string
	Policy         policy.Policy
	ReceiveTimeout time.Duration
	QueryTimeout   time.Duration
	StatusSink     sink.StatusSink
	DeliverySink   sink.DeliverySink
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Policy == nil {
		c.Policy = policy.LeastLoaded{MinBattery: 25}
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 5 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.StatusSink == nil {
		c.StatusSink = sink.Nop{}
	}
	if c.DeliverySink == nil {
		c.DeliverySink = sink.Nop{}
	}
	return c
}

// Supervisor keeps the courier registry current, answers best-courier
// requests and proxies parcel status queries to the record store.
//
// One router goroutine owns the inbox. Best-courier requests go to the load
// balancer lane, store replies to the correlator, everything else to the
// status lane, so a pending store query never swallows a courier update.
type Supervisor struct {
	cfg        SupervisorConfig
	bus        Bus
	inbox      <-chan domain.Message
	registry   *Registry
	engine     *policy.Engine
	correlator *messaging.Correlator
	logger     *zap.Logger
	metrics    *metrics.Collector

	balance chan domain.Message
	status  chan domain.Message
	queries sync.WaitGroup
}

func NewSupervisor(bus Bus, cfg SupervisorConfig, logger *zap.Logger, m *metrics.Collector) *Supervisor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:        cfg,
		bus:        bus,
		inbox:      bus.Register(SupervisorID),
		registry:   NewRegistry(cfg.Couriers),
		engine:     policy.NewEngine(cfg.Policy),
		correlator: messaging.NewCorrelator(),
		logger:     logger.With(zap.String("agent", SupervisorID)),
		metrics:    m,
		balance:    make(chan domain.Message, 64),
		status:     make(chan domain.Message, 256),
	}
}

// Couriers returns the registry snapshot served on /couriers.
func (s *Supervisor) Couriers() []policy.Candidate { return s.registry.Snapshot() }

func (s *Supervisor) Run(ctx context.Context) error {
	defer s.bus.Unregister(SupervisorID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.route(gctx) })
	g.Go(func() error { return s.lane(gctx, s.balance, s.handleBestCourier) })
	g.Go(func() error { return s.lane(gctx, s.status, s.handleStatus) })
	err := g.Wait()
	s.queries.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Supervisor) route(ctx context.Context) error {
	for {
		msg, err := messaging.Receive(ctx, s.inbox, s.cfg.ReceiveTimeout)
		switch {
		case errors.Is(err, messaging.ErrReplyTimeout):
			s.logger.Debug("no messages within receive window")
			continue
		case err != nil:
			return err
		}

		var target chan domain.Message
		switch {
		case msg.Type == domain.MessageTypeBestCourierRequest:
			target = s.balance
		case msg.Type == domain.MessageTypeParcelInfo && msg.Performative != domain.PerformativeQuery:
			if !s.correlator.Deliver(msg) {
				s.logger.Debug("late store reply dropped", zap.String("token", msg.CorrelationToken))
				s.metrics.Dropped(SupervisorID, "late_reply")
			}
			continue
		default:
			target = s.status
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case target <- msg:
		}
	}
}

func (s *Supervisor) lane(ctx context.Context, in <-chan domain.Message, handle func(context.Context, domain.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-in:
			handle(ctx, msg)
		}
	}
}

func (s *Supervisor) handleBestCourier(_ context.Context, msg domain.Message) {
	var req domain.BestCourierRequestPayload
	if err := msg.Decode(&req); err != nil {
		s.logger.Warn("malformed best courier request", zap.Error(err))
		s.metrics.Dropped(SupervisorID, "malformed")
		return
	}

	sel := s.registry.Select(s.engine)
	s.metrics.Selection(s.engine.PolicyName(), sel.OK)
	s.logger.Info("courier selection",
		zap.String("parcel", req.ParcelID),
		zap.String("policy", s.engine.PolicyName()),
		zap.Bool("available", sel.OK),
		zap.String("courier", sel.CourierID),
	)

	err := publish(s.bus, SupervisorID, msg.From, domain.PerformativeInform, domain.MessageTypeBestCourierResponse, msg.CorrelationToken,
		domain.BestCourierResponsePayload{CourierID: sel.CourierID, Available: sel.OK})
	if err != nil {
		s.logger.Warn("best courier response not sent", zap.String("parcel", req.ParcelID), zap.Error(err))
	}
}

func (s *Supervisor) handleStatus(ctx context.Context, msg domain.Message) {
	switch msg.Type {
	case domain.MessageTypeCourierStatus:
		s.handleCourierStatus(ctx, msg)
	case domain.MessageTypeDeliveryReport:
		s.handleDeliveryReport(ctx, msg)
	case domain.MessageTypeAssignmentRelease:
		s.handleRelease(msg)
	case domain.MessageTypeParcelStatusQuery:
		s.queries.Add(1)
		go func() {
			defer s.queries.Done()
			s.handleStatusQuery(ctx, msg)
		}()
	default:
		s.logger.Debug("ignoring message", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		s.metrics.Dropped(SupervisorID, "unexpected")
	}
}

func (s *Supervisor) handleCourierStatus(ctx context.Context, msg domain.Message) {
	var st domain.CourierStatusPayload
	if err := msg.Decode(&st); err != nil {
		s.logger.Warn("malformed courier status", zap.Error(err))
		s.metrics.Dropped(SupervisorID, "malformed")
		return
	}
	status := domain.CourierStatus(st)
	if !s.registry.Update(status) {
		s.logger.Warn("status from unknown courier dropped", zap.String("courier", status.CourierID))
		s.metrics.Dropped(SupervisorID, "unknown_courier")
		return
	}
	s.metrics.CourierStatus(status.CourierID, status.Battery, status.Load)

	started := time.Now()
	row := domain.CourierStatusRow{CourierStatus: status, RecordedAt: started.UTC()}
	if err := s.cfg.StatusSink.AppendCourierStatus(ctx, row); err != nil {
		s.logger.Warn("status sink append failed", zap.String("courier", status.CourierID), zap.Error(err))
	}
	s.metrics.StoreWrite(started)
}

func (s *Supervisor) handleRelease(msg domain.Message) {
	var rel domain.AssignmentReleasePayload
	if err := msg.Decode(&rel); err != nil {
		s.logger.Warn("malformed assignment release", zap.Error(err))
		s.metrics.Dropped(SupervisorID, "malformed")
		return
	}
	if !s.registry.Release(rel.CourierID) {
		s.logger.Warn("release for unknown courier dropped", zap.String("courier", rel.CourierID))
		s.metrics.Dropped(SupervisorID, "unknown_courier")
		return
	}
	s.logger.Info("assignment released",
		zap.String("parcel", rel.ParcelID),
		zap.String("courier", rel.CourierID),
		zap.String("reason", rel.Reason),
	)
}

func (s *Supervisor) handleDeliveryReport(ctx context.Context, msg domain.Message) {
	var rep domain.DeliveryReportPayload
	if err := msg.Decode(&rep); err != nil {
		s.logger.Warn("malformed delivery report", zap.Error(err))
		s.metrics.Dropped(SupervisorID, "malformed")
		return
	}
	if !s.registry.Known(rep.CourierID) {
		s.logger.Warn("report from unknown courier dropped", zap.String("courier", rep.CourierID), zap.String("parcel", rep.ParcelID))
		s.metrics.Dropped(SupervisorID, "unknown_courier")
		return
	}
	s.metrics.DeliveryReport(string(rep.Status))

	at := rep.FinishedAt
	if at.IsZero() {
		at = rep.StartedAt
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := publish(s.bus, SupervisorID, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeDeliveryLog, "",
		domain.DeliveryLogPayload{ParcelID: rep.ParcelID, Status: rep.Status, Timestamp: at})
	if err != nil {
		s.logger.Warn("delivery log not sent", zap.String("parcel", rep.ParcelID), zap.Error(err))
	}

	if !rep.Status.IsFinal() {
		return
	}
	if rep.Status == domain.ParcelStatusDelivered {
		s.registry.Delivered(rep.CourierID)
	}
	if rep.Route == FallbackRoute {
		s.logger.Info("delivery used fallback route", zap.String("parcel", rep.ParcelID))
	}
	s.logger.Info("delivery recorded",
		zap.String("parcel", rep.ParcelID),
		zap.String("courier", rep.CourierID),
		zap.String("status", string(rep.Status)),
	)

	started := time.Now()
	row := domain.DeliveryRow{
		ParcelID:   rep.ParcelID,
		CourierID:  rep.CourierID,
		Status:     rep.Status,
		Route:      rep.Route,
		Lat:        rep.Lat,
		Lon:        rep.Lon,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		RecordedAt: started.UTC(),
	}
	if err := s.cfg.DeliverySink.AppendDelivery(ctx, row); err != nil {
		s.logger.Warn("delivery sink append failed", zap.String("parcel", rep.ParcelID), zap.Error(err))
	}
	s.metrics.StoreWrite(started)
}

func (s *Supervisor) handleStatusQuery(ctx context.Context, msg domain.Message) {
	var q domain.ParcelQueryPayload
	if err := msg.Decode(&q); err != nil {
		s.logger.Warn("malformed status query", zap.Error(err))
		s.metrics.Dropped(SupervisorID, "malformed")
		return
	}

	result := domain.ParcelInfoPayload{ParcelID: q.ParcelID}
	token := domain.NewToken()
	ch, release := s.correlator.Expect(token)
	defer release()

	err := publish(s.bus, SupervisorID, RecordStoreID, domain.PerformativeQuery, domain.MessageTypeParcelInfo, token, q)
	if err != nil {
		s.logger.Warn("store query not sent", zap.String("parcel", q.ParcelID), zap.Error(err))
	} else {
		reply, err := messaging.Wait(ctx, ch, s.cfg.QueryTimeout)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.logger.Warn("store query timed out", zap.String("parcel", q.ParcelID), zap.String("token", token))
		default:
			var info domain.ParcelInfoPayload
			if derr := reply.Decode(&info); derr != nil {
				s.logger.Warn("malformed store reply", zap.Error(derr))
			} else {
				result = info
			}
		}
	}

	err = publish(s.bus, SupervisorID, msg.From, domain.PerformativeInform, domain.MessageTypeStatusUpdate, msg.CorrelationToken, result)
	if err != nil {
		s.logger.Warn("status update not sent", zap.String("parcel", q.ParcelID), zap.Error(err))
	}
}
