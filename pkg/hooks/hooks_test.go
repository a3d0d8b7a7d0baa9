package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroValueSetIsPermissive(t *testing.T) {
	var s Set
	ctx := context.Background()

	assert.Equal(t, Allowed, s.CallPreLogin(ctx, "1.2.3.4:1234"))
	assert.Equal(t, Allowed, s.CallPreConnect(ctx, 1, BackendCandidate{Name: "lobby"}))
	assert.Equal(t, PassThrough, s.CallPacketMapping(ctx, 1, DirectionClientToBackend, []byte("x")))

	// The advisory hooks must not panic when unset.
	s.CallPostLogin(ctx, 1)
	s.CallServerConnected(ctx, 1, "lobby", "")
	s.CallDisconnect(ctx, 1, DisconnectClientClosed)
	s.CallPluginMessage(ctx, "chan", "lobby", []byte("x"))
}

func TestSetInvokesInstalledHooks(t *testing.T) {
	var gotReason DisconnectReason
	s := Set{
		PreLogin: func(ctx context.Context, clientAddr string) Verdict {
			return Verdict{Allow: false, Reason: "banned"}
		},
		Disconnect: func(ctx context.Context, sessionID uint64, reason DisconnectReason) {
			gotReason = reason
		},
	}

	v := s.CallPreLogin(context.Background(), "1.2.3.4:1234")
	assert.False(t, v.Allow)
	assert.Equal(t, "banned", v.Reason)

	s.CallDisconnect(context.Background(), 7, DisconnectDuplicateSession)
	assert.Equal(t, DisconnectDuplicateSession, gotReason)
}

func TestChannelRegistrarRegisterUnregister(t *testing.T) {
	r := NewChannelRegistrar()
	assert.False(t, r.Registered("proxy:test"))

	r.Register("proxy:test")
	assert.True(t, r.Registered("proxy:test"))

	r.Unregister("proxy:test")
	assert.False(t, r.Registered("proxy:test"))
}
