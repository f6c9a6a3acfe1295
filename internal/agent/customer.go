package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"parcelnet/internal/domain"
	"parcelnet/internal/messaging"
	"parcelnet/internal/routing"
)

var urgencies = []domain.Urgency{domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh}

type CustomerConfig struct {
	OrderMin         time.Duration
	OrderMax         time.Duration
	OrderProbability float64
	// Seed fixes the random source. Zero seeds from the clock.
	Seed         uint64
	Destinations []string
}

func (c CustomerConfig) withDefaults() CustomerConfig {
	if c.OrderMin <= 0 {
		c.OrderMin = 10 * time.Second
	}
	if c.OrderMax < c.OrderMin {
		c.OrderMax = c.OrderMin + 10*time.Second
	}
	if c.OrderProbability <= 0 {
		c.OrderProbability = 0.5
	}
	if len(c.Destinations) == 0 {
		c.Destinations = routing.Destinations()
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	return c
}

// Customer places parcel orders at random intervals and tracks the ones
// that have not reached a final status.
type Customer struct {
	cfg    CustomerConfig
	bus    Bus
	inbox  <-chan domain.Message
	logger *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	tracked map[string]domain.ParcelStatus
}

func NewCustomer(bus Bus, cfg CustomerConfig, logger *zap.Logger) *Customer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Customer{
		cfg:     cfg,
		bus:     bus,
		inbox:   bus.Register(CustomerID),
		logger:  logger.With(zap.String("agent", CustomerID)),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
		tracked: make(map[string]domain.ParcelStatus),
	}
}

func (c *Customer) Run(ctx context.Context) error {
	defer c.bus.Unregister(CustomerID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.listen(ctx)
	}()
	defer wg.Wait()

	for {
		if err := sleep(ctx, c.nextInterval()); err != nil {
			return nil
		}
		c.tick()
	}
}

func (c *Customer) tick() {
	c.mu.Lock()
	order := c.rng.Float64() < c.cfg.OrderProbability
	urgency := urgencies[c.rng.IntN(len(urgencies))]
	destination := c.cfg.Destinations[c.rng.IntN(len(c.cfg.Destinations))]
	c.mu.Unlock()

	if order {
		if _, err := c.PlaceOrder(urgency, destination); err != nil {
			c.logger.Warn("order not placed", zap.Error(err))
		}
	}
	if id, ok := c.pickTrackable(); ok {
		if err := c.QueryStatus(id); err != nil {
			c.logger.Warn("status query not sent", zap.String("parcel", id), zap.Error(err))
		}
	}
}

// PlaceOrder sends a new parcel to the warehouse and starts tracking it.
func (c *Customer) PlaceOrder(urgency domain.Urgency, destination string) (string, error) {
	id := domain.NewToken()
	err := publish(c.bus, CustomerID, WarehouseID, domain.PerformativeRequest, domain.MessageTypeParcelCreation, "",
		domain.ParcelCreationPayload{
			ParcelID:    id,
			Urgency:     urgency,
			Info:        fmt.Sprintf("Books and electronics, deliver to %s", destination),
			Destination: destination,
		})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.tracked[id] = domain.ParcelStatusPending
	c.mu.Unlock()
	c.logger.Info("order placed", zap.String("parcel", id), zap.String("urgency", string(urgency)), zap.String("destination", destination))
	return id, nil
}

func (c *Customer) QueryStatus(parcelID string) error {
	return publish(c.bus, CustomerID, SupervisorID, domain.PerformativeQuery, domain.MessageTypeParcelStatusQuery, domain.NewToken(),
		domain.ParcelQueryPayload{ParcelID: parcelID})
}

// Tracked returns the last known status of every ordered parcel.
func (c *Customer) Tracked() map[string]domain.ParcelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.ParcelStatus, len(c.tracked))
	for id, st := range c.tracked {
		out[id] = st
	}
	return out
}

func (c *Customer) pickTrackable() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := make([]string, 0, len(c.tracked))
	for id, st := range c.tracked {
		if !st.IsFinal() {
			open = append(open, id)
		}
	}
	if len(open) == 0 {
		return "", false
	}
	sort.Strings(open)
	return open[c.rng.IntN(len(open))], true
}

func (c *Customer) nextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	span := c.cfg.OrderMax - c.cfg.OrderMin
	if span <= 0 {
		return c.cfg.OrderMin
	}
	return c.cfg.OrderMin + time.Duration(c.rng.Int64N(int64(span)+1))
}

func (c *Customer) listen(ctx context.Context) {
	for {
		msg, err := messaging.Receive(ctx, c.inbox, 5*time.Second)
		switch {
		case errors.Is(err, messaging.ErrReplyTimeout):
			continue
		case err != nil:
			return
		}
		if msg.Type != domain.MessageTypeStatusUpdate {
			c.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
			continue
		}
		var info domain.ParcelInfoPayload
		if err := msg.Decode(&info); err != nil {
			c.logger.Warn("malformed status update", zap.Error(err))
			continue
		}
		if !info.Found {
			c.logger.Info("parcel not found yet", zap.String("parcel", info.ParcelID))
			continue
		}
		c.mu.Lock()
		if cur, ok := c.tracked[info.ParcelID]; ok && info.Status.Rank() > cur.Rank() {
			c.tracked[info.ParcelID] = info.Status
		}
		c.mu.Unlock()
		c.logger.Info("status update", zap.String("parcel", info.ParcelID), zap.String("status", string(info.Status)))
	}
}
