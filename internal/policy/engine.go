package policy

import (
	"fmt"
	"sort"
	"time"

	"parcelnet/internal/domain"
)

const (
	NameLeastLoaded     = "least_loaded"
	NameDeliveryCounter = "delivery_counter"
)

// Candidate is one courier of the supervisor's registry as seen by a policy.
type Candidate struct {
	CourierID   string               `json:"courier_id"`
	Status      domain.CourierStatus `json:"status"`
	Reported    bool                 `json:"reported"`
	Outstanding int                  `json:"outstanding"`
	Delivered   int                  `json:"delivered"`
	// Pending counts selections made since the last status report.
	Pending int `json:"pending"`
}

// ProjectedLoad is the reported load plus what was handed out since.
func (c Candidate) ProjectedLoad() int {
	return c.Status.Load + c.Pending
}

// Policy decides which couriers may take new work and how they rank.
// Lower scores win.
type Policy interface {
	Name() string
	Eligible(c Candidate, now time.Time) bool
	Score(c Candidate) int
}

// Selection is the optional result of a load-balancing decision.
type Selection struct {
	CourierID string
	OK        bool
}

type Engine struct {
	policy Policy
	now    func() time.Time
}

func NewEngine(p Policy) *Engine {
	return &Engine{policy: p, now: time.Now}
}

func (e *Engine) PolicyName() string {
	return e.policy.Name()
}

// Select returns the eligible candidate with the lowest score. Ties break by
// courier id ascending, so a fixed snapshot always yields the same courier.
func (e *Engine) Select(pool []Candidate) Selection {
	now := e.now()
	eligible := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if e.policy.Eligible(c, now) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return Selection{}
	}
	sort.Slice(eligible, func(i, j int) bool {
		si, sj := e.policy.Score(eligible[i]), e.policy.Score(eligible[j])
		if si != sj {
			return si < sj
		}
		return eligible[i].CourierID < eligible[j].CourierID
	})
	return Selection{CourierID: eligible[0].CourierID, OK: true}
}

// LeastLoaded picks idle couriers with enough battery and the smallest load.
type LeastLoaded struct {
	MinBattery float64
	// StaleAfter excludes couriers whose last status is older than the
	// window. Zero disables the check.
	StaleAfter time.Duration
}

func (LeastLoaded) Name() string { return NameLeastLoaded }

func (p LeastLoaded) Eligible(c Candidate, now time.Time) bool {
	if !c.Reported || c.Status.Busy {
		return false
	}
	if c.Status.Battery <= p.MinBattery {
		return false
	}
	if p.StaleAfter > 0 && now.Sub(c.Status.UpdatedAt) > p.StaleAfter {
		return false
	}
	if c.Status.Capacity > 0 && c.ProjectedLoad() >= c.Status.Capacity {
		return false
	}
	return true
}

func (LeastLoaded) Score(c Candidate) int { return c.ProjectedLoad() }

// DeliveryCounter balances on outstanding assignments only and excludes
// couriers at or above the overload threshold.
type DeliveryCounter struct {
	OverloadThreshold int
}

func (DeliveryCounter) Name() string { return NameDeliveryCounter }

func (p DeliveryCounter) Eligible(c Candidate, _ time.Time) bool {
	return c.Outstanding < p.OverloadThreshold
}

func (DeliveryCounter) Score(c Candidate) int { return c.Outstanding }

type Config struct {
	Name              string
	MinBattery        float64
	StaleAfter        time.Duration
	OverloadThreshold int
}

func New(cfg Config) (Policy, error) {
	switch cfg.Name {
	case "", NameLeastLoaded:
		minBattery := cfg.MinBattery
		if minBattery <= 0 {
			minBattery = 25
		}
		return LeastLoaded{MinBattery: minBattery, StaleAfter: cfg.StaleAfter}, nil
	case NameDeliveryCounter:
		threshold := cfg.OverloadThreshold
		if threshold <= 0 {
			threshold = 3
		}
		return DeliveryCounter{OverloadThreshold: threshold}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing policy %q", cfg.Name)
	}
}
