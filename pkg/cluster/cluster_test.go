package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoopbackPublishSubscribeRoundTrip(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	received := make(chan HeartbeatMessage, 1)
	unsub := lb.Subscribe(ChannelHeartbeat, messageTypeHeartbeat, true, func(source string, msg Message) {
		received <- msg.(HeartbeatMessage)
	})
	defer unsub()

	err := lb.Publish(context.Background(), ChannelHeartbeat, HeartbeatMessage{ProxyID: "proxy-a", PlayerCount: 3})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, 3, got.PlayerCount)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loopback delivery")
	}
}

func TestLoopbackTypeFilterExcludesOtherTypes(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	called := make(chan struct{}, 1)
	unsub := lb.Subscribe(ChannelServerList, messageTypeHeartbeat, true, func(string, Message) {
		called <- struct{}{}
	})
	defer unsub()

	err := lb.Publish(context.Background(), ChannelServerList, ServerListMessage{ProxyID: "proxy-a", Op: ServerListRegister})
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("handler should not have been called for a filtered-out message type")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistryEvictsStalePeerAndNeverEvictsSelf(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	reg := NewRegistry("proxy-a", 60*time.Millisecond, lb, zap.NewNop())
	defer reg.Close()

	reg.onHeartbeat("proxy-b", HeartbeatMessage{ProxyID: "proxy-b", PlayerCount: 5})
	assert.Equal(t, 1, reg.PeerCount())
	assert.Equal(t, 15, reg.GlobalPlayerCount(10))

	// A heartbeat claiming to be from this proxy itself must never be
	// recorded as a peer (the local proxy is never evicted because it
	// is never entered in the first place).
	reg.onHeartbeat("proxy-a", HeartbeatMessage{ProxyID: "proxy-a", PlayerCount: 999})
	assert.Equal(t, 1, reg.PeerCount())

	require.Eventually(t, func() bool {
		return reg.PeerCount() == 0
	}, time.Second, 5*time.Millisecond, "stale peer should have been evicted")
}

func TestRegistryPeerLeftCallbackFiresOnEviction(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	reg := NewRegistry("proxy-a", 50*time.Millisecond, lb, zap.NewNop())
	defer reg.Close()

	left := make(chan string, 1)
	reg.OnPeerLeft(func(proxyID string) { left <- proxyID })
	reg.onHeartbeat("proxy-b", HeartbeatMessage{ProxyID: "proxy-b", PlayerCount: 1})

	select {
	case id := <-left:
		assert.Equal(t, "proxy-b", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-left callback")
	}
}

func TestServerListHandlerOwnerScopedPurgeOnPeerLeave(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	h := NewServerListHandler("proxy-a", lb, zap.NewNop())
	defer h.Close()

	h.onMessage("proxy-b", ServerListMessage{
		ProxyID: "proxy-b",
		Op:      ServerListRegister,
		Entries: []ServerListEntry{{Name: "survival", Address: "10.0.0.1:25565"}},
	})
	h.onMessage("proxy-c", ServerListMessage{
		ProxyID: "proxy-c",
		Op:      ServerListRegister,
		Entries: []ServerListEntry{{Name: "creative", Address: "10.0.0.2:25565"}},
	})
	assert.Len(t, h.Remote(), 2)

	h.PeerLeft("proxy-b")

	remote := h.Remote()
	require.Len(t, remote, 1)
	assert.Equal(t, "creative", remote[0].Name)
	assert.Equal(t, "proxy-c", remote[0].OwnerID)
}

func TestServerListHandlerSyncReplacesOwnerSet(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	h := NewServerListHandler("proxy-a", lb, zap.NewNop())
	defer h.Close()

	h.onMessage("proxy-b", ServerListMessage{
		ProxyID: "proxy-b",
		Op:      ServerListRegister,
		Entries: []ServerListEntry{{Name: "old", Address: "10.0.0.1:1"}},
	})
	h.onMessage("proxy-b", ServerListMessage{
		ProxyID: "proxy-b",
		Op:      ServerListSync,
		Entries: []ServerListEntry{{Name: "new", Address: "10.0.0.1:2"}},
	})

	remote := h.Remote()
	require.Len(t, remote, 1)
	assert.Equal(t, "new", remote[0].Name)
}

func TestServerListHandlerUnregisterIsCaseInsensitive(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	h := NewServerListHandler("proxy-a", lb, zap.NewNop())
	defer h.Close()

	h.onMessage("proxy-b", ServerListMessage{
		ProxyID: "proxy-b",
		Op:      ServerListRegister,
		Entries: []ServerListEntry{{Name: "Lobby", Address: "10.0.0.1:25565"}},
	})
	require.Len(t, h.Remote(), 1)

	h.onMessage("proxy-b", ServerListMessage{
		ProxyID: "proxy-b",
		Op:      ServerListUnregister,
		Entries: []ServerListEntry{{Name: "lobby"}},
	})
	assert.Empty(t, h.Remote(), "unregister of a differently-cased name must still resolve to the same entry")
}

func TestServerListHandlerIgnoresOwnMessages(t *testing.T) {
	lb := NewLoopback("proxy-a", zap.NewNop())
	defer lb.Close()

	h := NewServerListHandler("proxy-a", lb, zap.NewNop())
	defer h.Close()

	h.onMessage("proxy-a", ServerListMessage{
		ProxyID: "proxy-a",
		Op:      ServerListRegister,
		Entries: []ServerListEntry{{Name: "self-owned", Address: "x"}},
	})
	assert.Empty(t, h.Remote())
}
