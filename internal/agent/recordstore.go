package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging"
	"parcelnet/internal/metrics"
)

// ParcelStore is the persistence the record store agent fronts. Both SQL
// stores implement it.
type ParcelStore interface {
	CreateParcel(ctx context.Context, p domain.Parcel) (bool, error)
	RecordDelivery(ctx context.Context, parcelID string, status domain.ParcelStatus, at time.Time) (bool, error)
	QueryParcel(ctx context.Context, parcelID string) (domain.Parcel, error)
}

type RecordStore struct {
	store   ParcelStore
	bus     Bus
	inbox   <-chan domain.Message
	idle    time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewRecordStore(bus Bus, store ParcelStore, logger *zap.Logger, m *metrics.Collector) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		store:   store,
		bus:     bus,
		inbox:   bus.Register(RecordStoreID),
		idle:    5 * time.Second,
		logger:  logger.With(zap.String("agent", RecordStoreID)),
		metrics: m,
	}
}

func (r *RecordStore) Run(ctx context.Context) error {
	defer r.bus.Unregister(RecordStoreID)
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

func (r *RecordStore) handle(ctx context.Context, msg domain.Message) {
	started := time.Now()
	switch {
	case msg.Type == domain.MessageTypeParcelLog:
		r.handleParcelLog(ctx, msg)
	case msg.Type == domain.MessageTypeDeliveryLog:
		r.handleDeliveryLog(ctx, msg)
	case msg.Type == domain.MessageTypeParcelInfo && msg.Performative == domain.PerformativeQuery:
		r.handleQuery(ctx, msg)
		return
	default:
		r.logger.Debug("ignoring message", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		r.metrics.Dropped(RecordStoreID, "unexpected")
		return
	}
	r.metrics.StoreWrite(started)
}

func (r *RecordStore) handleParcelLog(ctx context.Context, msg domain.Message) {
	var pl domain.ParcelLogPayload
	if err := msg.Decode(&pl); err != nil {
		r.logger.Warn("malformed parcel log", zap.Error(err))
		r.metrics.Dropped(RecordStoreID, "malformed")
		return
	}
	created, err := r.store.CreateParcel(ctx, domain.Parcel{
		ID:          pl.ParcelID,
		Urgency:     pl.Urgency,
		Info:        pl.Info,
		Destination: pl.Destination,
		Status:      pl.Status,
		CreatedAt:   msg.SentAt,
		UpdatedAt:   msg.SentAt,
	})
	if err != nil {
		r.logger.Error("create parcel failed", zap.String("parcel", pl.ParcelID), zap.Error(err))
		return
	}
	if !created {
		r.logger.Debug("parcel already recorded", zap.String("parcel", pl.ParcelID))
	}
}

func (r *RecordStore) handleDeliveryLog(ctx context.Context, msg domain.Message) {
	var dl domain.DeliveryLogPayload
	if err := msg.Decode(&dl); err != nil {
		r.logger.Warn("malformed delivery log", zap.Error(err))
		r.metrics.Dropped(RecordStoreID, "malformed")
		return
	}
	at := dl.Timestamp
	if at.IsZero() {
		at = msg.SentAt
	}
	applied, err := r.store.RecordDelivery(ctx, dl.ParcelID, dl.Status, at)
	switch {
	case errors.Is(err, domain.ErrParcelNotFound):
		r.logger.Warn("delivery log for unknown parcel", zap.String("parcel", dl.ParcelID), zap.String("status", string(dl.Status)))
		r.metrics.Dropped(RecordStoreID, "unknown_parcel")
	case err != nil:
		r.logger.Error("record delivery failed", zap.String("parcel", dl.ParcelID), zap.Error(err))
	case !applied:
		r.logger.Debug("stale status ignored", zap.String("parcel", dl.ParcelID), zap.String("status", string(dl.Status)))
	}
}

func (r *RecordStore) handleQuery(ctx context.Context, msg domain.Message) {
	var q domain.ParcelQueryPayload
	if err := msg.Decode(&q); err != nil {
		r.logger.Warn("malformed parcel query", zap.Error(err))
		r.metrics.Dropped(RecordStoreID, "malformed")
		return
	}
	info := domain.ParcelInfoPayload{ParcelID: q.ParcelID}
	p, err := r.store.QueryParcel(ctx, q.ParcelID)
	switch {
	case errors.Is(err, domain.ErrParcelNotFound):
	case err != nil:
		r.logger.Error("query parcel failed", zap.String("parcel", q.ParcelID), zap.Error(err))
	default:
		info = domain.ParcelInfoPayload{ParcelID: p.ID, Status: p.Status, Info: p.Info, Found: true}
	}

	err = publish(r.bus, RecordStoreID, msg.From, domain.PerformativeInform, domain.MessageTypeParcelInfo, msg.CorrelationToken, info)
	if err != nil {
		r.logger.Warn("parcel info not sent", zap.String("parcel", q.ParcelID), zap.Error(err))
	}
}
