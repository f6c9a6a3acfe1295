package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcelnet/internal/domain"
)

func msgTo(to string) domain.Message {
	return domain.Message{ID: "m", From: "a", To: to, Type: domain.MessageTypeCourierStatus}
}

func TestPublishDelivers(t *testing.T) {
	var tapped []domain.Message
	b := New(4, func(m domain.Message) { tapped = append(tapped, m) })
	inbox := b.Register("x")

	require.NoError(t, b.Publish(msgTo("x")))
	got := <-inbox
	assert.Equal(t, "x", got.To)
	assert.Len(t, tapped, 1)
}

func TestPublishToUnknownAgent(t *testing.T) {
	b := New(4)
	assert.ErrorIs(t, b.Publish(msgTo("nobody")), ErrAgentNotRegistered)
}

func TestPublishRejectsWhenFull(t *testing.T) {
	var tapped int
	b := New(1, func(domain.Message) { tapped++ })
	b.Register("x")

	require.NoError(t, b.Publish(msgTo("x")))
	assert.ErrorIs(t, b.Publish(msgTo("x")), ErrAgentQueueFull)
	assert.Equal(t, 1, tapped, "rejected messages are not tapped")
}

func TestRegisterIsIdempotentAndUnregisterCloses(t *testing.T) {
	b := New(0)
	first := b.Register("x")
	assert.Equal(t, first, b.Register("x"))
	assert.True(t, b.Registered("x"))

	b.Unregister("x")
	b.Unregister("x")
	_, open := <-first
	assert.False(t, open)
	assert.False(t, b.Registered("x"))
}
