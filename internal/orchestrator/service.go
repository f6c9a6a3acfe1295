// Package orchestrator wires one simulation run: the bus, the record store,
// the sinks, metrics and every agent, supervised as one errgroup.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parcelnet/internal/agent"
	"parcelnet/internal/config"
	"parcelnet/internal/domain"
	"parcelnet/internal/messaging/inproc"
	"parcelnet/internal/metrics"
	"parcelnet/internal/policy"
	"parcelnet/internal/routing"
	"parcelnet/internal/sink"
)

// ParcelView is a parcel with its status history.
type ParcelView struct {
	Parcel  domain.Parcel             `json:"parcel"`
	History []domain.DeliveryLogEntry `json:"history"`
}

type Service struct {
	cfg      config.Config
	store    Store
	csv      *sink.CSV
	bus      *inproc.Bus
	registry *prometheus.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger

	supervisor *agent.Supervisor
	warehouse  *agent.Warehouse
	couriers   []*agent.Courier
	customer   *agent.Customer
	router     *agent.Router
	records    *agent.RecordStore
}

// New builds every agent and registers its inbox. The store stays owned by
// the caller; Close releases only what New opened.
func New(cfg config.Config, store Store, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	s.registry.MustRegister(collectors.NewGoCollector())
	s.metrics = metrics.NewCollector(s.registry)

	sinks := sink.Multi{store}
	if cfg.Sinks.CSVDir != "" {
		csv, err := sink.OpenCSV(cfg.Sinks.CSVDir)
		if err != nil {
			return nil, err
		}
		s.csv = csv
		sinks = append(sinks, csv)
	}

	var taps []inproc.Tap
	if cfg.Sinks.CommLog {
		taps = append(taps, sink.CommTap(sinks, logger))
	}
	s.bus = inproc.New(cfg.Simulation.BusBuffer, taps...)

	pol, err := policy.New(policy.Config{
		Name:              cfg.Supervisor.Policy,
		MinBattery:        cfg.Supervisor.MinBattery,
		StaleAfter:        config.MS(cfg.Supervisor.StaleAfterMS),
		OverloadThreshold: cfg.Supervisor.OverloadThreshold,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.records = agent.NewRecordStore(s.bus, store, logger, s.metrics)
	s.router = agent.NewRouter(s.bus, routing.NewGIS(uint64(cfg.Simulation.Seed), config.MS(cfg.Routing.LatencyMS)), logger, s.metrics)
	s.supervisor = agent.NewSupervisor(s.bus, agent.SupervisorConfig{
		Couriers:       cfg.CourierIDs(),
		Policy:         pol,
		ReceiveTimeout: config.MS(cfg.Supervisor.ReceiveTimeoutMS),
		QueryTimeout:   config.MS(cfg.Supervisor.QueryTimeoutMS),
		StatusSink:     sinks,
		DeliverySink:   sinks,
	}, logger, s.metrics)
	s.warehouse = agent.NewWarehouse(s.bus, agent.WarehouseConfig{
		ListenWindow:  config.MS(cfg.Warehouse.ListenWindowMS),
		AssignTimeout: config.MS(cfg.Warehouse.AssignTimeoutMS),
		RetryBackoff:  config.MS(cfg.Warehouse.RetryBackoffMS),
	}, logger, s.metrics)
	for _, spec := range cfg.Couriers {
		s.couriers = append(s.couriers, agent.NewCourier(s.bus, courierConfig(spec, cfg.Courier), logger, s.metrics))
	}
	s.customer = agent.NewCustomer(s.bus, agent.CustomerConfig{
		OrderMin:         config.MS(cfg.Customer.OrderMinMS),
		OrderMax:         config.MS(cfg.Customer.OrderMaxMS),
		OrderProbability: cfg.Customer.OrderProbability,
		Seed:             uint64(cfg.Simulation.Seed),
	}, logger)
	return s, nil
}

func courierConfig(spec config.CourierSpec, c config.CourierConfig) agent.CourierConfig {
	return agent.CourierConfig{
		ID:              spec.ID,
		Capacity:        spec.Capacity,
		Battery:         spec.Battery,
		Location:        spec.Location,
		IdleWait:        config.MS(c.IdleWaitMS),
		RouteWindow:     config.MS(c.RouteWindowMS),
		TransitDelay:    config.MS(c.TransitDelayMS),
		ReturnDelay:     config.MS(c.ReturnDelayMS),
		ChargeDelay:     config.MS(c.ChargeDelayMS),
		StatusInterval:  config.MS(c.StatusIntervalMS),
		LegCost:         c.LegCost,
		ReturnCost:      c.ReturnCost,
		ChargeStep:      c.ChargeStep,
		ChargeThreshold: c.ChargeThreshold,
		DepotPolicy:     c.DepotPolicy,
	}
}

// Run drives all agents until ctx is done or the configured duration
// elapses. The first agent error stops the rest.
func (s *Service) Run(ctx context.Context) error {
	if d := config.MS(s.cfg.Simulation.DurationMS); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	runners := []func(context.Context) error{
		s.records.Run,
		s.router.Run,
		s.supervisor.Run,
		s.warehouse.Run,
	}
	for _, c := range s.couriers {
		runners = append(runners, c.Run)
	}
	if !s.cfg.Customer.Disabled {
		runners = append(runners, s.customer.Run)
	}

	s.logger.Info("simulation started",
		zap.Int("couriers", len(s.couriers)),
		zap.String("store", s.cfg.Store.Driver),
		zap.Bool("customer", !s.cfg.Customer.Disabled),
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}
	err := g.Wait()
	s.logger.Info("simulation stopped", zap.Error(err))
	return err
}

func (s *Service) Close() error {
	if s.csv == nil {
		return nil
	}
	return s.csv.Close()
}

// Order places a parcel on behalf of the customer agent.
func (s *Service) Order(urgency domain.Urgency, destination string) (string, error) {
	if !urgency.Valid() {
		return "", fmt.Errorf("invalid urgency %q", urgency)
	}
	if _, ok := routing.Locate(destination); !ok || destination == routing.Depot {
		return "", fmt.Errorf("destination %q: %w", destination, routing.ErrUnknownLocation)
	}
	return s.customer.PlaceOrder(urgency, destination)
}

func (s *Service) Parcel(ctx context.Context, parcelID string) (ParcelView, error) {
	p, err := s.store.QueryParcel(ctx, parcelID)
	if err != nil {
		return ParcelView{}, err
	}
	history, err := s.store.ListDeliveryLog(ctx, parcelID)
	if err != nil {
		return ParcelView{}, err
	}
	return ParcelView{Parcel: p, History: history}, nil
}

// Couriers is the supervisor's registry view.
func (s *Service) Couriers() []policy.Candidate { return s.supervisor.Couriers() }

// CourierStates reads every courier directly, bypassing status lag.
func (s *Service) CourierStates() []domain.CourierStatus {
	out := make([]domain.CourierStatus, 0, len(s.couriers))
	for _, c := range s.couriers {
		out = append(out, c.Status())
	}
	return out
}

func (s *Service) Queued() []domain.Parcel { return s.warehouse.Queued() }

func (s *Service) Summary(ctx context.Context) (map[domain.ParcelStatus]int, error) {
	return s.store.CountParcelsByStatus(ctx)
}

func (s *Service) Gatherer() prometheus.Gatherer { return s.registry }

// WaitSettled blocks until every parcel in the store reached a final status
// and nothing is queued, or ctx is done.
func (s *Service) WaitSettled(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		counts, err := s.Summary(ctx)
		if err != nil {
			return err
		}
		if settled(counts) && len(s.Queued()) == 0 {
			if _, inFlight := s.warehouse.InFlight(); !inFlight {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func settled(counts map[domain.ParcelStatus]int) bool {
	for status, n := range counts {
		if n > 0 && !status.IsFinal() {
			return false
		}
	}
	return true
}
