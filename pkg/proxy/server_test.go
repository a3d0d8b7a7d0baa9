package proxy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/cluster"
)

func TestBackendAddr(t *testing.T) {
	b := Backend{Name: "lobby", Host: "10.0.0.5", Port: 25566}
	assert.Equal(t, "10.0.0.5:25566", b.Addr())
}

func TestServerRegistryLocalOnly(t *testing.T) {
	reg := NewServerRegistry([]Backend{
		{Name: "Lobby", Host: "127.0.0.1", Port: 1, IsDefault: true},
		{Name: "survival", Host: "127.0.0.1", Port: 2},
	}, nil)

	rs, ok := reg.Get("LOBBY")
	require.True(t, ok, "lookup is case-insensitive")
	assert.True(t, rs.Local)

	def, ok := reg.Default()
	require.True(t, ok)
	assert.Equal(t, "Lobby", def.Name)

	all := reg.All()
	assert.Len(t, all, 2)
}

// fakeBus is a minimal cluster.Service standing in for a broker shared by
// two proxies: every publish is delivered synchronously to every
// subscriber, tagged as coming from sourceID.
type fakeBus struct {
	sourceID string
	handlers []cluster.Handler
}

func (b *fakeBus) Publish(_ context.Context, _ string, msg cluster.Message) error {
	for _, h := range b.handlers {
		h(b.sourceID, msg)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ string, _ cluster.TypeFilter, _ bool, h cluster.Handler) func() {
	b.handlers = append(b.handlers, h)
	return func() {}
}

func (b *fakeBus) UnsubscribeAll(string) {}
func (b *fakeBus) IsConnected() bool     { return true }
func (b *fakeBus) Close() error          { return nil }

func TestServerRegistryRemoteShadowedByLocal(t *testing.T) {
	msgs := &fakeBus{sourceID: "proxy-b"}
	defer msgs.Close()

	// Listen on the same bus as an owning proxy's registry would, before
	// the remote proxy publishes, so the remote entries actually land
	// before the registry under test reads them.
	local := cluster.NewServerListHandler("proxy-a", msgs, zap.NewNop())
	defer local.Close()

	remote := cluster.NewServerListHandler("proxy-b", msgs, zap.NewNop())
	defer remote.Close()
	require.NoError(t, remote.PublishRegister(context.Background(), "lobby", "10.0.0.9:25566"))
	require.NoError(t, remote.PublishRegister(context.Background(), "creative", "10.0.0.9:25577"))

	reg := NewServerRegistry([]Backend{{Name: "lobby", Host: "127.0.0.1", Port: 1}}, local)

	rs, ok := reg.Get("lobby")
	require.True(t, ok)
	assert.True(t, rs.Local, "local entry shadows the remote one of the same name")

	rs, ok = reg.Get("creative")
	require.True(t, ok)
	assert.False(t, rs.Local)
	assert.Equal(t, "proxy-b", rs.OwnerID)

	all := reg.All()
	names := make(map[string]bool, len(all))
	for _, rs := range all {
		names[lowerName(rs.Backend.Name)] = true
	}
	assert.True(t, names["lobby"])
	assert.True(t, names["creative"])
	assert.Len(t, all, 2, "the shadowed remote lobby entry is not duplicated")
}

func TestEngineRegistryRegisterUnregister(t *testing.T) {
	reg := NewEngineRegistry()
	id := uuid.New()
	e := &Engine{}

	_, ok := reg.get(id)
	assert.False(t, ok)

	reg.register(id, e)
	got, ok := reg.get(id)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Len(t, reg.all(), 1)

	reg.unregister(id, e)
	_, ok = reg.get(id)
	assert.False(t, ok)
	assert.Empty(t, reg.all())
}

func TestEngineRegistryUnregisterIgnoresStaleEntry(t *testing.T) {
	reg := NewEngineRegistry()
	id := uuid.New()
	first, second := &Engine{}, &Engine{}

	reg.register(id, first)
	reg.register(id, second)

	// An unregister carrying a pointer that's no longer the current
	// occupant (e.g. a torn-down old session racing a fresh relogin) must
	// not evict the new one.
	reg.unregister(id, first)
	got, ok := reg.get(id)
	require.True(t, ok)
	assert.Same(t, second, got)
}
