// Package sink holds the append-only outputs of a simulation run: courier
// status history, delivery history and the agent communication log.
package sink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"parcelnet/internal/domain"
)

type StatusSink interface {
	AppendCourierStatus(ctx context.Context, row domain.CourierStatusRow) error
}

type DeliverySink interface {
	AppendDelivery(ctx context.Context, row domain.DeliveryRow) error
}

type CommSink interface {
	AppendMessage(ctx context.Context, row domain.CommRow) error
}

// Sink is satisfied by the CSV writer and by both SQL stores.
type Sink interface {
	StatusSink
	DeliverySink
	CommSink
}

// Multi fans every row out to all members and joins their errors.
type Multi []Sink

func (m Multi) AppendCourierStatus(ctx context.Context, row domain.CourierStatusRow) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AppendCourierStatus(ctx, row))
	}
	return errors.Join(errs...)
}

func (m Multi) AppendDelivery(ctx context.Context, row domain.DeliveryRow) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AppendDelivery(ctx, row))
	}
	return errors.Join(errs...)
}

func (m Multi) AppendMessage(ctx context.Context, row domain.CommRow) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AppendMessage(ctx, row))
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) AppendCourierStatus(context.Context, domain.CourierStatusRow) error { return nil }
func (Nop) AppendDelivery(context.Context, domain.DeliveryRow) error           { return nil }
func (Nop) AppendMessage(context.Context, domain.CommRow) error                { return nil }

// CommTap adapts a CommSink into a bus tap. Write failures are logged, never
// returned to the publisher.
func CommTap(s CommSink, logger *zap.Logger) func(domain.Message) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(msg domain.Message) {
		row := domain.CommRow{
			Timestamp:        msg.SentAt,
			From:             msg.From,
			To:               msg.To,
			Type:             msg.Type,
			CorrelationToken: msg.CorrelationToken,
		}
		if err := s.AppendMessage(context.Background(), row); err != nil {
			logger.Warn("comm log append failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}
