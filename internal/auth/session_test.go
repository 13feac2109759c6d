package auth

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("tcp", "D:1")
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.authenticate(identity.Client{ID: "D:1", Role: identity.RoleDevice, DeviceID: "1"}))
	from, err := s.Transition(StateOnline)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, from)

	from, err = s.Transition(StateDisconnected)
	require.NoError(t, err)
	assert.Equal(t, StateOnline, from)
	assert.True(t, s.State().Terminal())
	assert.Equal(t, "1", s.Client().DeviceID)
}

func TestSessionInvalidTransitions(t *testing.T) {
	tests := []struct {
		path []State
		bad  State
	}{
		{nil, StateOnline},
		{[]State{StateRejected}, StateAuthenticated},
		{[]State{StateRejected}, StateDisconnected},
		{[]State{StateDisconnected}, StateOnline},
		{[]State{StateAuthenticated, StateDisconnected}, StateOnline},
		{[]State{StateAuthenticated, StateOnline}, StateAuthenticated},
	}
	for _, tt := range tests {
		s := NewSession("ws", "U:1")
		for _, st := range tt.path {
			_, err := s.Transition(st)
			require.NoError(t, err)
		}
		before := s.State()
		_, err := s.Transition(tt.bad)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, before, s.State())
	}
}

func TestSessionDroppedDuringAuthentication(t *testing.T) {
	s := NewSession("tcp", "U:1")
	_, err := s.Transition(StateDisconnected)
	require.NoError(t, err)
	assert.ErrorIs(t, s.authenticate(identity.Client{ID: "U:1"}), ErrInvalidTransition)
	assert.Equal(t, "disconnected", s.State().String())
}
