package sdfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	order := []SessionState{StateIdle, StateNegotiating, StateTransferring, StateVerifying, StateComplete}

	for i, s := range order[:len(order)-1] {
		assert.True(t, s.CanTransition(order[i+1]), "%s -> %s", s, order[i+1])
		assert.True(t, s.CanTransition(StateError), "%s -> error", s)
	}

	assert.False(t, StateIdle.CanTransition(StateTransferring), "no skipping negotiation")
	assert.False(t, StateTransferring.CanTransition(StateComplete), "no skipping verification")
	assert.False(t, StateComplete.CanTransition(StateError), "complete is terminal")
	assert.False(t, StateComplete.CanTransition(StateIdle), "sessions never rewind")
	assert.False(t, StateError.CanTransition(StateNegotiating), "error is terminal")
}

func TestSessionAdvance(t *testing.T) {
	var s session
	require.NoError(t, s.advance(StateNegotiating))
	require.NoError(t, s.advance(StateTransferring))
	assert.Error(t, s.advance(StateComplete), "cannot jump past verification")
	assert.Equal(t, StateTransferring, s.state)
}

func TestSessionFail(t *testing.T) {
	var s session
	require.NoError(t, s.advance(StateNegotiating))
	err := s.fail(IncompatibleTarget, "wrong device")
	assert.Equal(t, StateError, s.state)
	assert.Equal(t, IncompatibleTarget, err.Kind)
	assert.Equal(t, StateNegotiating, err.State, "error records the state it happened in")
	assert.True(t, s.state.Terminal())
}
