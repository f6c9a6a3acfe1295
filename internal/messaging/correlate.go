// Package messaging holds the receive-with-timeout and request/response
// correlation primitives shared by all agents. Every wait here is bounded.
package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"parcelnet/internal/domain"
)

var (
	ErrReplyTimeout = errors.New("no reply within window")
	ErrInboxClosed  = errors.New("inbox closed")
)

// Receive waits up to timeout for the next inbox message.
func Receive(ctx context.Context, inbox <-chan domain.Message, timeout time.Duration) (domain.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	case <-timer.C:
		return domain.Message{}, ErrReplyTimeout
	case msg, ok := <-inbox:
		if !ok {
			return domain.Message{}, ErrInboxClosed
		}
		return msg, nil
	}
}

// Drain returns every message already buffered in the inbox without blocking.
func Drain(inbox <-chan domain.Message) []domain.Message {
	var out []domain.Message
	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// AwaitReply reads the inbox until a message carrying token arrives or the
// window closes. Messages with any other token are handed to onUnmatched, or
// discarded when it is nil.
func AwaitReply(
	ctx context.Context,
	inbox <-chan domain.Message,
	token string,
	window time.Duration,
	onUnmatched func(domain.Message),
) (domain.Message, error) {
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.Message{}, ErrReplyTimeout
		}
		msg, err := Receive(ctx, inbox, remaining)
		if err != nil {
			return domain.Message{}, err
		}
		if msg.CorrelationToken != "" && msg.CorrelationToken == token {
			return msg, nil
		}
		if onUnmatched != nil {
			onUnmatched(msg)
		}
	}
}

// Correlator matches replies to waiters when several goroutines of one agent
// share an inbox. A reply nobody waits for is dropped.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan domain.Message
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan domain.Message)}
}

// Expect registers token before the request is sent. The returned release
// func must be called once the waiter is done.
func (c *Correlator) Expect(token string) (<-chan domain.Message, func()) {
	ch := make(chan domain.Message, 1)
	c.mu.Lock()
	c.pending[token] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
	}
}

// Deliver routes msg to its waiter. It reports false when no waiter holds
// the token.
func (c *Correlator) Deliver(msg domain.Message) bool {
	if msg.CorrelationToken == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationToken]
	if ok {
		delete(c.pending, msg.CorrelationToken)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks on a channel obtained from Expect for at most timeout.
func Wait(ctx context.Context, ch <-chan domain.Message, timeout time.Duration) (domain.Message, error) {
	return Receive(ctx, ch, timeout)
}
