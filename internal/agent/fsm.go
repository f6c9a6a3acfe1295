package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type State string

// StateFunc runs one state and names the next one. A returned error stops
// the machine.
type StateFunc func(ctx context.Context) (State, error)

// FSM drives one agent through its states. Self-loops are always allowed;
// every other edge must be declared.
type FSM struct {
	agent   string
	allowed map[State]map[State]bool
	logger  *zap.Logger

	mu    sync.RWMutex
	state State
}

func NewFSM(agent string, initial State, edges map[State][]State, logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[State]map[State]bool, len(edges))
	for from, tos := range edges {
		set := make(map[State]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		allowed[from] = set
	}
	return &FSM{agent: agent, allowed: allowed, logger: logger, state: initial}
}

func (f *FSM) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := f.state
	if from == to {
		return nil
	}
	if !f.allowed[from][to] {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, f.agent, from, to)
	}
	f.state = to
	f.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// Run executes handlers until ctx is cancelled or a handler fails.
// Cancellation is a clean stop and returns nil.
func (f *FSM) Run(ctx context.Context, handlers map[State]StateFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		current := f.State()
		handler, ok := handlers[current]
		if !ok {
			return fmt.Errorf("%s: no handler for state %s", f.agent, current)
		}
		next, err := handler(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s in %s: %w", f.agent, current, err)
		}
		if err := f.Transition(next); err != nil {
			return err
		}
	}
}
