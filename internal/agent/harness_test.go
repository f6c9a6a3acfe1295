package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging/inproc"
)

const waitLong = 2 * time.Second

// peer stands in for an agent under a fixed id and records what it gets.
type peer struct {
	id    string
	bus   *inproc.Bus
	inbox <-chan domain.Message
}

func newPeer(bus *inproc.Bus, id string) *peer {
	return &peer{id: id, bus: bus, inbox: bus.Register(id)}
}

// expect returns the next message of type msgType, skipping others.
func (p *peer) expect(t *testing.T, msgType domain.MessageType) domain.Message {
	t.Helper()
	deadline := time.After(waitLong)
	for {
		select {
		case msg := <-p.inbox:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("%s: no %s within %s", p.id, msgType, waitLong)
			return domain.Message{}
		}
	}
}

// quiet asserts no message of msgType arrives within d.
func (p *peer) quiet(t *testing.T, msgType domain.MessageType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg := <-p.inbox:
			if msg.Type == msgType {
				t.Fatalf("%s: unexpected %s from %s", p.id, msgType, msg.From)
			}
		case <-deadline:
			return
		}
	}
}

func (p *peer) send(t *testing.T, to string, perf domain.Performative, msgType domain.MessageType, token string, body domain.Payload) {
	t.Helper()
	require.NoError(t, publish(p.bus, p.id, to, perf, msgType, token, body))
}

func decode[T any, P interface {
	*T
	domain.Payload
}](t *testing.T, msg domain.Message) T {
	t.Helper()
	var out T
	require.NoError(t, msg.Decode(P(&out)))
	return out
}

// run starts an agent and stops it when the test ends.
func run(t *testing.T, fn func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			t.Errorf("agent stopped with error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitForCondition(timeout time.Duration, check func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("condition was not met within %s", timeout)
}

func statusOf(id string, load, capacity int, battery float64, busy bool) domain.CourierStatusPayload {
	return domain.CourierStatusPayload{
		CourierID: id,
		Location:  "Warehouse",
		Battery:   battery,
		Load:      load,
		Capacity:  capacity,
		Busy:      busy,
		UpdatedAt: time.Now().UTC(),
	}
}

type recordingSinks struct {
	mu         sync.Mutex
	statuses   []domain.CourierStatusRow
	deliveries []domain.DeliveryRow
}

func (r *recordingSinks) AppendCourierStatus(_ context.Context, row domain.CourierStatusRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, row)
	return nil
}

func (r *recordingSinks) AppendDelivery(_ context.Context, row domain.DeliveryRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, row)
	return nil
}

func (r *recordingSinks) statusRows() []domain.CourierStatusRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CourierStatusRow(nil), r.statuses...)
}

func (r *recordingSinks) deliveryRows() []domain.DeliveryRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeliveryRow(nil), r.deliveries...)
}
