package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestValidTransitionSequence(t *testing.T) {
	s := New(1, "a", zap.NewNop())
	assert.Equal(t, Handshaking, s.State())

	assert.NoError(t, s.SetState(Authenticating))
	assert.NoError(t, s.SetState(Connecting))
	assert.NoError(t, s.SetState(Connected))
	assert.NoError(t, s.SetState(Transferring))
	assert.True(t, s.Transferring())
	assert.NoError(t, s.SetState(Connecting))
	assert.NoError(t, s.SetState(Connected))
	assert.NoError(t, s.SetState(Disconnected))
}

func TestNoTransitionLeavesDisconnected(t *testing.T) {
	s := New(1, "a", zap.NewNop())
	assert.NoError(t, s.SetState(Disconnected))

	for _, next := range []State{Handshaking, Authenticating, Connecting, Connected, Transferring, Disconnected} {
		err := s.SetState(next)
		assert.Error(t, err)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := New(1, "a", zap.NewNop())
	err := s.SetState(Connected)
	assert.Error(t, err)
	assert.Equal(t, Handshaking, s.State())
}
