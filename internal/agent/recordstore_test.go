package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging/inproc"
	"parcelnet/internal/store/sqlite"
)

func newRecordStoreHarness(t *testing.T) (*inproc.Bus, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	bus := inproc.New(64)
	rs := NewRecordStore(bus, st, zaptest.NewLogger(t), nil)
	run(t, rs.Run)
	return bus, st
}

func TestRecordStoreKeepsParcelLifecycle(t *testing.T) {
	bus, st := newRecordStoreHarness(t)
	warehouse := newPeer(bus, WarehouseID)
	supervisor := newPeer(bus, SupervisorID)

	warehouse.send(t, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeParcelLog, "",
		domain.ParcelLogPayload{ParcelID: "p1", Urgency: domain.UrgencyHigh, Status: domain.ParcelStatusPending, Info: "books", Destination: "Iulius Town"})
	warehouse.send(t, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeDeliveryLog, "",
		domain.DeliveryLogPayload{ParcelID: "p1", Status: domain.ParcelStatusAssigned, Timestamp: time.Now().UTC()})
	supervisor.send(t, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeDeliveryLog, "",
		domain.DeliveryLogPayload{ParcelID: "p1", Status: domain.ParcelStatusDelivered, Timestamp: time.Now().UTC()})
	// A late IN_TRANSIT must not move the parcel backwards.
	supervisor.send(t, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeDeliveryLog, "",
		domain.DeliveryLogPayload{ParcelID: "p1", Status: domain.ParcelStatusInTransit, Timestamp: time.Now().UTC()})

	supervisor.send(t, RecordStoreID, domain.PerformativeQuery, domain.MessageTypeParcelInfo, "tok-1",
		domain.ParcelQueryPayload{ParcelID: "p1"})
	reply := supervisor.expect(t, domain.MessageTypeParcelInfo)
	assert.Equal(t, "tok-1", reply.CorrelationToken)
	assert.Equal(t, domain.PerformativeInform, reply.Performative)

	info := decode[domain.ParcelInfoPayload](t, reply)
	assert.True(t, info.Found)
	assert.Equal(t, domain.ParcelStatusDelivered, info.Status)
	assert.Equal(t, "books", info.Info)

	entries, err := st.ListDeliveryLog(context.Background(), "p1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2)
}

func TestRecordStoreAnswersNotFound(t *testing.T) {
	bus, _ := newRecordStoreHarness(t)
	supervisor := newPeer(bus, SupervisorID)

	supervisor.send(t, RecordStoreID, domain.PerformativeQuery, domain.MessageTypeParcelInfo, "tok-2",
		domain.ParcelQueryPayload{ParcelID: "missing"})
	reply := supervisor.expect(t, domain.MessageTypeParcelInfo)
	assert.Equal(t, "tok-2", reply.CorrelationToken)
	assert.JSONEq(t, `{"parcel_id":"missing","status":"NOT_FOUND","info":"-"}`, string(reply.Body))

	info := decode[domain.ParcelInfoPayload](t, reply)
	assert.False(t, info.Found)
}

func TestRecordStoreDropsLogForUnknownParcel(t *testing.T) {
	bus, st := newRecordStoreHarness(t)
	supervisor := newPeer(bus, SupervisorID)

	supervisor.send(t, RecordStoreID, domain.PerformativeUpdate, domain.MessageTypeDeliveryLog, "",
		domain.DeliveryLogPayload{ParcelID: "ghost", Status: domain.ParcelStatusDelivered, Timestamp: time.Now().UTC()})
	supervisor.send(t, RecordStoreID, domain.PerformativeQuery, domain.MessageTypeParcelInfo, "tok-3",
		domain.ParcelQueryPayload{ParcelID: "ghost"})
	info := decode[domain.ParcelInfoPayload](t, supervisor.expect(t, domain.MessageTypeParcelInfo))
	assert.False(t, info.Found)

	_, err := st.QueryParcel(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrParcelNotFound)
}
