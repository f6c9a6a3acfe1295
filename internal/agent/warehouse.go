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
)

const (
	WarehouseIdle            State = "IDLE"
	WarehouseRequestCourier  State = "REQUEST_COURIER"
	WarehouseAwaitAssignment State = "AWAIT_ASSIGNMENT"
)

var warehouseEdges = map[State][]State{
	WarehouseIdle:            {WarehouseRequestCourier},
	WarehouseRequestCourier:  {WarehouseAwaitAssignment},
	WarehouseAwaitAssignment: {WarehouseIdle},
}

type WarehouseConfig struct {
	ListenWindow  time.Duration
	AssignTimeout time.Duration
	// RetryBackoff spaces out requests after a NONE answer or a timeout.
	RetryBackoff time.Duration
}

func (c WarehouseConfig) withDefaults() WarehouseConfig {
	if c.ListenWindow <= 0 {
		c.ListenWindow = 10 * time.Second
	}
	if c.AssignTimeout <= 0 {
		c.AssignTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}

// Warehouse queues incoming parcels and hands them out one at a time: it
// never has more than one best-courier request outstanding.
type Warehouse struct {
	cfg     WarehouseConfig
	bus     Bus
	inbox   <-chan domain.Message
	queue   *ParcelQueue
	fsm     *FSM
	logger  *zap.Logger
	metrics *metrics.Collector

	retryAt time.Time

	mu       sync.Mutex
	inFlight *domain.Parcel
	token    string
}

func NewWarehouse(bus Bus, cfg WarehouseConfig, logger *zap.Logger, m *metrics.Collector) *Warehouse {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("agent", WarehouseID))
	return &Warehouse{
		cfg:     cfg.withDefaults(),
		bus:     bus,
		inbox:   bus.Register(WarehouseID),
		queue:   NewParcelQueue(),
		fsm:     NewFSM(WarehouseID, WarehouseIdle, warehouseEdges, logger),
		logger:  logger,
		metrics: m,
	}
}

func (w *Warehouse) Run(ctx context.Context) error {
	defer w.bus.Unregister(WarehouseID)
	return w.fsm.Run(ctx, map[State]StateFunc{
		WarehouseIdle:            w.idle,
		WarehouseRequestCourier:  w.requestCourier,
		WarehouseAwaitAssignment: w.awaitAssignment,
	})
}

func (w *Warehouse) State() State { return w.fsm.State() }

// Queued lists waiting parcels in dequeue order.
func (w *Warehouse) Queued() []domain.Parcel { return w.queue.Snapshot() }

// InFlight returns the parcel currently awaiting a courier, if any.
func (w *Warehouse) InFlight() (domain.Parcel, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight == nil {
		return domain.Parcel{}, false
	}
	return *w.inFlight, true
}

func (w *Warehouse) idle(ctx context.Context) (State, error) {
	for _, msg := range messaging.Drain(w.inbox) {
		w.intake(msg)
	}
	if wait := time.Until(w.retryAt); wait > 0 && w.queue.Len() > 0 {
		msg, err := messaging.Receive(ctx, w.inbox, wait)
		switch {
		case err == nil:
			w.intake(msg)
		case !errors.Is(err, messaging.ErrReplyTimeout):
			return WarehouseIdle, err
		}
		return WarehouseIdle, nil
	}
	if w.queue.Len() == 0 {
		msg, err := messaging.Receive(ctx, w.inbox, w.cfg.ListenWindow)
		switch {
		case errors.Is(err, messaging.ErrReplyTimeout):
			return WarehouseIdle, nil
		case err != nil:
			return WarehouseIdle, err
		}
		w.intake(msg)
		for _, msg := range messaging.Drain(w.inbox) {
			w.intake(msg)
		}
	}

	p, ok := w.queue.Pop()
	if !ok {
		return WarehouseIdle, nil
	}
	w.metrics.QueueDepth(w.queue.Len())
	w.mu.Lock()
	w.inFlight = &p
	w.mu.Unlock()
	return WarehouseRequestCourier, nil
}

// intake queues parcel creations. Anything else reaching it is stale or
// unexpected and is dropped.
func (w *Warehouse) intake(msg domain.Message) {
	switch msg.Type {
	case domain.MessageTypeParcelCreation:
	case domain.MessageTypeBestCourierResponse:
		w.logger.Debug("stale courier response discarded", zap.String("token", msg.CorrelationToken))
		w.metrics.Dropped(WarehouseID, "stale")
		var resp domain.BestCourierResponsePayload
		if err := msg.Decode(&resp); err == nil && resp.Available {
			w.release("", resp.CourierID, "stale")
		}
		return
	default:
		w.logger.Debug("ignoring message", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		w.metrics.Dropped(WarehouseID, "unexpected")
		return
	}

	var pc domain.ParcelCreationPayload
	if err := msg.Decode(&pc); err != nil {
		w.logger.Warn("malformed parcel creation", zap.Error(err))
		w.metrics.Dropped(WarehouseID, "malformed")
		return
	}
	now := time.Now().UTC()
	p := domain.Parcel{
		ID:          pc.ParcelID,
		Urgency:     pc.Urgency,
		Info:        pc.Info,
		Destination: pc.Destination,
		Status:      domain.ParcelStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if inFlight, ok := w.InFlight(); ok && inFlight.ID == p.ID {
		w.logger.Warn("duplicate parcel ignored", zap.String("parcel", p.ID))
		return
	}
	if !w.queue.Push(p) {
		w.logger.Warn("duplicate parcel ignored", zap.String("parcel", p.ID))
		return
	}
	w.metrics.ParcelReceived(w.queue.Len())
	w.logger.Info("parcel queued",
		zap.String("parcel", p.ID),
		zap.String("urgency", string(p.Urgency)),
		zap.Int("queue", w.queue.Len()),
	)

	err := publish(w.bus, WarehouseID, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeParcelLog, "",
		domain.ParcelLogPayload{
			ParcelID:    p.ID,
			Urgency:     p.Urgency,
			Status:      domain.ParcelStatusPending,
			Info:        p.Info,
			Destination: p.Destination,
		})
	if err != nil {
		w.logger.Warn("parcel log not sent", zap.String("parcel", p.ID), zap.Error(err))
	}
}

func (w *Warehouse) requestCourier(context.Context) (State, error) {
	p, ok := w.InFlight()
	if !ok {
		return WarehouseAwaitAssignment, nil
	}
	token := domain.NewToken()
	w.mu.Lock()
	w.token = token
	w.mu.Unlock()

	err := publish(w.bus, WarehouseID, SupervisorID, domain.PerformativeRequest, domain.MessageTypeBestCourierRequest, token,
		domain.BestCourierRequestPayload{ParcelID: p.ID, Urgency: p.Urgency})
	if err != nil {
		// The await below times out and re-queues the parcel.
		w.logger.Warn("best courier request not sent", zap.String("parcel", p.ID), zap.Error(err))
	}
	return WarehouseAwaitAssignment, nil
}

func (w *Warehouse) awaitAssignment(ctx context.Context) (State, error) {
	p, ok := w.InFlight()
	if !ok {
		return WarehouseIdle, nil
	}
	w.mu.Lock()
	token := w.token
	w.mu.Unlock()
	defer w.clearInFlight()

	reply, err := messaging.AwaitReply(ctx, w.inbox, token, w.cfg.AssignTimeout, w.intake)
	switch {
	case ctx.Err() != nil:
		w.queue.PushFront(p)
		return WarehouseIdle, nil
	case errors.Is(err, messaging.ErrReplyTimeout):
		w.requeue(p, "timeout")
		return WarehouseIdle, nil
	case err != nil:
		w.queue.PushFront(p)
		return WarehouseIdle, err
	}

	var resp domain.BestCourierResponsePayload
	if reply.Type != domain.MessageTypeBestCourierResponse {
		w.requeue(p, "unexpected")
		return WarehouseIdle, nil
	}
	if err := reply.Decode(&resp); err != nil {
		w.logger.Warn("malformed courier response", zap.Error(err))
		w.requeue(p, "malformed")
		return WarehouseIdle, nil
	}
	if !resp.Available {
		w.requeue(p, "none")
		return WarehouseIdle, nil
	}

	err = publish(w.bus, WarehouseID, resp.CourierID, domain.PerformativeInform, domain.MessageTypeParcelAssignment, "",
		domain.ParcelAssignmentPayload{
			ParcelID:    p.ID,
			Urgency:     p.Urgency,
			Info:        p.Info,
			Destination: p.Destination,
		})
	if err != nil {
		w.logger.Warn("assignment not delivered", zap.String("parcel", p.ID), zap.String("courier", resp.CourierID), zap.Error(err))
		w.release(p.ID, resp.CourierID, "undeliverable")
		w.requeue(p, "undeliverable")
		return WarehouseIdle, nil
	}
	w.metrics.AssignmentAttempt("assigned")
	w.logger.Info("parcel assigned", zap.String("parcel", p.ID), zap.String("courier", resp.CourierID))

	err = publish(w.bus, WarehouseID, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeDeliveryLog, "",
		domain.DeliveryLogPayload{ParcelID: p.ID, Status: domain.ParcelStatusAssigned, Timestamp: time.Now().UTC()})
	if err != nil {
		w.logger.Warn("assignment log not sent", zap.String("parcel", p.ID), zap.Error(err))
	}
	return WarehouseIdle, nil
}

func (w *Warehouse) requeue(p domain.Parcel, reason string) {
	w.queue.PushFront(p)
	w.retryAt = time.Now().Add(w.cfg.RetryBackoff)
	w.metrics.AssignmentAttempt(reason)
	w.metrics.Requeued(reason)
	w.metrics.QueueDepth(w.queue.Len())
	w.logger.Info("parcel re-queued", zap.String("parcel", p.ID), zap.String("reason", reason))
}

// release tells the supervisor a selected courier never got the parcel, so
// its outstanding count does not leak.
func (w *Warehouse) release(parcelID, courierID, reason string) {
	if parcelID == "" {
		parcelID = "-"
	}
	err := publish(w.bus, WarehouseID, SupervisorID, domain.PerformativeInform, domain.MessageTypeAssignmentRelease, "",
		domain.AssignmentReleasePayload{ParcelID: parcelID, CourierID: courierID, Reason: reason})
	if err != nil {
		w.logger.Warn("assignment release not sent", zap.String("courier", courierID), zap.Error(err))
	}
}

func (w *Warehouse) clearInFlight() {
	w.mu.Lock()
	w.inFlight = nil
	w.token = ""
	w.mu.Unlock()
}
