package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFSMTransitions(t *testing.T) {
	fsm := NewFSM("test", "A", map[State][]State{
		"A": {"B"},
		"B": {"A"},
	}, zaptest.NewLogger(t))

	require.NoError(t, fsm.Transition("A"), "self-loop is always allowed")
	require.NoError(t, fsm.Transition("B"))
	assert.Equal(t, State("B"), fsm.State())

	err := fsm.Transition("C")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, State("B"), fsm.State())
}

func TestFSMRunStopsOnCancelAndError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	fsm := NewFSM("test", "A", map[State][]State{"A": {"B"}, "B": {"A"}}, nil)
	err := fsm.Run(ctx, map[State]StateFunc{
		"A": func(context.Context) (State, error) { steps++; return "B", nil },
		"B": func(context.Context) (State, error) {
			if steps == 3 {
				cancel()
			}
			return "A", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, steps)

	boom := errors.New("boom")
	fsm = NewFSM("test", "A", nil, nil)
	err = fsm.Run(context.Background(), map[State]StateFunc{
		"A": func(context.Context) (State, error) { return "A", boom },
	})
	assert.ErrorIs(t, err, boom)

	fsm = NewFSM("test", "A", nil, nil)
	err = fsm.Run(context.Background(), map[State]StateFunc{
		"A": func(context.Context) (State, error) { return "Z", nil },
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
