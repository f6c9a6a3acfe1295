package inproc

import (
	"errors"
	"sync"

	"parcelnet/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Tap observes every message the bus accepted for delivery.
type Tap func(msg domain.Message)

// Bus is a best-effort point-to-point substrate. Each registered agent owns
// one buffered inbox; a full inbox rejects the message instead of blocking
// the sender.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Message
	buffer int
	taps   []Tap
}

func New(buffer int, taps ...Tap) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Message),
		buffer: buffer,
		taps:   taps,
	}
}

func (b *Bus) Register(agentID string) <-chan domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan domain.Message, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[agentID]
	return ok
}

func (b *Bus) Publish(msg domain.Message) error {
	// The read lock is held across the send so Unregister cannot close the
	// channel underneath us.
	b.mu.RLock()
	ch, ok := b.subs[msg.To]
	if !ok {
		b.mu.RUnlock()
		return ErrAgentNotRegistered
	}
	select {
	case ch <- msg:
	default:
		b.mu.RUnlock()
		return ErrAgentQueueFull
	}
	b.mu.RUnlock()

	for _, tap := range b.taps {
		tap(msg)
	}
	return nil
}
