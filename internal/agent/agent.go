package agent

import (
	"context"
	"fmt"
	"time"

	"parcelnet/internal/domain"
)

// Well-known agent ids. Couriers register under their configured ids.
const (
	WarehouseID   = "warehouse"
	SupervisorID  = "supervisor"
	RecordStoreID = "recordstore"
	RoutingID     = "routing"
	CustomerID    = "customer"
)

type Bus interface {
	Register(agentID string) <-chan domain.Message
	Unregister(agentID string)
	Publish(msg domain.Message) error
}

func publish(
	bus Bus,
	from, to string,
	perf domain.Performative,
	msgType domain.MessageType,
	token string,
	body domain.Payload,
) error {
	msg, err := domain.NewMessage(from, to, perf, msgType, body)
	if err != nil {
		return err
	}
	msg.CorrelationToken = token
	if err := bus.Publish(msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msgType, to, err)
	}
	return nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
