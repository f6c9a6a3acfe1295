package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBestCourierSentinel(t *testing.T) {
	raw, err := json.Marshal(BestCourierResponsePayload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"courier":"NONE"}`, string(raw))

	var resp BestCourierResponsePayload
	require.NoError(t, json.Unmarshal([]byte(`{"courier":"courier2"}`), &resp))
	assert.Equal(t, BestCourierResponsePayload{CourierID: "courier2", Available: true}, resp)

	require.NoError(t, json.Unmarshal([]byte(`{"courier":"NONE"}`), &resp))
	assert.False(t, resp.Available)
	assert.Empty(t, resp.CourierID)
}

func TestParcelInfoSentinel(t *testing.T) {
	raw, err := json.Marshal(ParcelInfoPayload{ParcelID: "p1", Status: ParcelStatusDelivered, Info: "ignored"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"parcel_id":"p1","status":"NOT_FOUND","info":"-"}`, string(raw))

	var info ParcelInfoPayload
	require.NoError(t, json.Unmarshal([]byte(`{"parcel_id":"p1","status":"IN_TRANSIT","info":"books"}`), &info))
	assert.Equal(t, ParcelInfoPayload{ParcelID: "p1", Status: ParcelStatusInTransit, Info: "books", Found: true}, info)
}

func TestDecodeValidates(t *testing.T) {
	msg, err := NewMessage("customer", "warehouse", PerformativeRequest, MessageTypeParcelCreation,
		ParcelCreationPayload{ParcelID: "p1", Urgency: "urgent", Destination: "Iulius Town"})
	require.NoError(t, err)

	var pc ParcelCreationPayload
	assert.ErrorIs(t, msg.Decode(&pc), ErrMalformedPayload)

	msg.Body = nil
	assert.ErrorIs(t, msg.Decode(&pc), ErrMalformedPayload)

	msg.Body = json.RawMessage(`{"parcel_id":`)
	assert.ErrorIs(t, msg.Decode(&pc), ErrMalformedPayload)
}

func TestDecodePayloadByType(t *testing.T) {
	msg, err := NewMessage("c1", "supervisor", PerformativeInform, MessageTypeDeliveryReport,
		DeliveryReportPayload{ParcelID: "p1", CourierID: "c1", Status: ParcelStatusDelivered, Route: "Route unavailable"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.SentAt.IsZero())

	p, err := DecodePayload(msg)
	require.NoError(t, err)
	rep, ok := p.(*DeliveryReportPayload)
	require.True(t, ok)
	assert.Equal(t, ParcelStatusDelivered, rep.Status)

	msg.Type = "gossip"
	_, err = DecodePayload(msg)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestAssignmentReleasePayload(t *testing.T) {
	msg, err := NewMessage("warehouse", "supervisor", PerformativeInform, MessageTypeAssignmentRelease,
		AssignmentReleasePayload{ParcelID: "p1", CourierID: "c1", Reason: "undeliverable"})
	require.NoError(t, err)
	p, err := DecodePayload(msg)
	require.NoError(t, err)
	rel, ok := p.(*AssignmentReleasePayload)
	require.True(t, ok)
	assert.Equal(t, "c1", rel.CourierID)

	msg, err = NewMessage("warehouse", "supervisor", PerformativeInform, MessageTypeAssignmentRelease,
		AssignmentReleasePayload{ParcelID: "p1"})
	require.NoError(t, err)
	_, err = DecodePayload(msg)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestStatusRankOrder(t *testing.T) {
	order := []ParcelStatus{ParcelStatusPending, ParcelStatusAssigned, ParcelStatusInTransit, ParcelStatusDelivered}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Rank(), order[i].Rank())
	}
	assert.Equal(t, ParcelStatusDelivered.Rank(), ParcelStatusFailed.Rank())
	assert.False(t, ParcelStatus("LOST").Valid())
	assert.True(t, ParcelStatusFailed.IsFinal())
	assert.False(t, ParcelStatusInTransit.IsFinal())
}

func TestParseUrgency(t *testing.T) {
	u, err := ParseUrgency(" High ")
	require.NoError(t, err)
	assert.Equal(t, UrgencyHigh, u)
	assert.Less(t, UrgencyHigh.Rank(), UrgencyMedium.Rank())
	assert.Less(t, UrgencyMedium.Rank(), UrgencyLow.Rank())

	_, err = ParseUrgency("asap")
	assert.Error(t, err)
}
