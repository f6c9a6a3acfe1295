package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging/inproc"
)

func TestCustomerPlaceOrder(t *testing.T) {
	bus := inproc.New(64)
	warehouse := newPeer(bus, WarehouseID)
	c := NewCustomer(bus, CustomerConfig{Seed: 1}, zaptest.NewLogger(t))

	id, err := c.PlaceOrder(domain.UrgencyHigh, "Piata Unirii")
	require.NoError(t, err)

	order := decode[domain.ParcelCreationPayload](t, warehouse.expect(t, domain.MessageTypeParcelCreation))
	assert.Equal(t, id, order.ParcelID)
	assert.Equal(t, domain.UrgencyHigh, order.Urgency)
	assert.Equal(t, "Books and electronics, deliver to Piata Unirii", order.Info)
	assert.Equal(t, domain.ParcelStatusPending, c.Tracked()[id])
}

func TestCustomerPlaceOrderWithoutWarehouse(t *testing.T) {
	bus := inproc.New(64)
	c := NewCustomer(bus, CustomerConfig{Seed: 1}, zaptest.NewLogger(t))

	_, err := c.PlaceOrder(domain.UrgencyLow, "Iulius Town")
	assert.ErrorIs(t, err, inproc.ErrAgentNotRegistered)
	assert.Empty(t, c.Tracked())
}

func TestCustomerOrdersAndTracksStatus(t *testing.T) {
	bus := inproc.New(64)
	warehouse := newPeer(bus, WarehouseID)
	supervisor := newPeer(bus, SupervisorID)
	c := NewCustomer(bus, CustomerConfig{
		OrderMin:         10 * time.Millisecond,
		OrderMax:         20 * time.Millisecond,
		OrderProbability: 1,
		Seed:             42,
		Destinations:     []string{"Iulius Town"},
	}, zaptest.NewLogger(t))
	run(t, c.Run)

	order := decode[domain.ParcelCreationPayload](t, warehouse.expect(t, domain.MessageTypeParcelCreation))
	assert.Equal(t, "Iulius Town", order.Destination)
	assert.True(t, order.Urgency.Valid())

	var query domain.Message
	for {
		query = supervisor.expect(t, domain.MessageTypeParcelStatusQuery)
		if decode[domain.ParcelQueryPayload](t, query).ParcelID == order.ParcelID {
			break
		}
	}
	assert.NotEmpty(t, query.CorrelationToken)

	supervisor.send(t, CustomerID, domain.PerformativeInform, domain.MessageTypeStatusUpdate, query.CorrelationToken,
		domain.ParcelInfoPayload{ParcelID: order.ParcelID, Status: domain.ParcelStatusInTransit, Info: order.Info, Found: true})
	require.NoError(t, waitForCondition(waitLong, func() bool {
		return c.Tracked()[order.ParcelID] == domain.ParcelStatusInTransit
	}))

	// Older and missing answers never move tracking backwards.
	supervisor.send(t, CustomerID, domain.PerformativeInform, domain.MessageTypeStatusUpdate, "",
		domain.ParcelInfoPayload{ParcelID: order.ParcelID, Status: domain.ParcelStatusAssigned, Found: true})
	supervisor.send(t, CustomerID, domain.PerformativeInform, domain.MessageTypeStatusUpdate, "",
		domain.ParcelInfoPayload{ParcelID: order.ParcelID})
	supervisor.send(t, CustomerID, domain.PerformativeInform, domain.MessageTypeStatusUpdate, "",
		domain.ParcelInfoPayload{ParcelID: order.ParcelID, Status: domain.ParcelStatusDelivered, Found: true})
	require.NoError(t, waitForCondition(waitLong, func() bool {
		return c.Tracked()[order.ParcelID] == domain.ParcelStatusDelivered
	}))
}

func TestCustomerStopsTrackingFinalParcels(t *testing.T) {
	bus := inproc.New(64)
	c := NewCustomer(bus, CustomerConfig{Seed: 3}, zaptest.NewLogger(t))
	c.tracked["a"] = domain.ParcelStatusDelivered
	c.tracked["b"] = domain.ParcelStatusFailed

	_, ok := c.pickTrackable()
	assert.False(t, ok)

	c.tracked["c"] = domain.ParcelStatusAssigned
	id, ok := c.pickTrackable()
	assert.True(t, ok)
	assert.Equal(t, "c", id)
}

func TestCustomerIntervalWithinBounds(t *testing.T) {
	bus := inproc.New(64)
	c := NewCustomer(bus, CustomerConfig{OrderMin: time.Second, OrderMax: 3 * time.Second, Seed: 9}, nil)
	for i := 0; i < 100; i++ {
		d := c.nextInterval()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
