package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/cluster"
	"github.com/numdrassl/proxy/pkg/control"
	"github.com/numdrassl/proxy/pkg/hooks"
	"github.com/numdrassl/proxy/pkg/session"
)

// Player is the Public Facade's narrow, read-mostly view of a connected
// session (REDESIGN FLAGS: "collapse into narrow capability traits/
// interfaces" rather than exposing the full Engine/Session surface).
type Player interface {
	UUID() uuid.UUID
	Username() string
	RemoteAddr() string
	CurrentBackend() string
	Ping() time.Duration
}

// Server is the Public Facade's view of a registered backend, local or
// learned from a peer proxy.
type Server interface {
	Name() string
	Address() string
	IsLocal() bool
}

// playerView adapts a *session.Session to Player without exposing its
// mutators.
type playerView struct{ sess *session.Session }

func (p playerView) UUID() uuid.UUID {
	id, _ := p.sess.PlayerUUID()
	return id
}
func (p playerView) Username() string       { return p.sess.Username() }
func (p playerView) RemoteAddr() string     { return p.sess.ClientAddr }
func (p playerView) CurrentBackend() string { return p.sess.CurrentBackend() }
func (p playerView) Ping() time.Duration    { return p.sess.Ping() }

// serverView adapts a RegisteredServer to Server.
type serverView struct{ rs RegisteredServer }

func (s serverView) Name() string    { return s.rs.Backend.Name }
func (s serverView) Address() string { return s.rs.Backend.Addr() }
func (s serverView) IsLocal() bool   { return s.rs.Local }

// EngineRegistry tracks the live Engine backing every connected session,
// keyed by player uuid, so the facade's transfer operations can reach a
// session's own pinned event loop without the rest of the proxy ever
// holding a pointer to Engine directly.
type EngineRegistry struct {
	mu      sync.RWMutex
	engines map[uuid.UUID]*Engine
}

// NewEngineRegistry returns an empty EngineRegistry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{engines: make(map[uuid.UUID]*Engine)}
}

func (r *EngineRegistry) register(id uuid.UUID, e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[id] = e
}

func (r *EngineRegistry) unregister(id uuid.UUID, e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.engines[id]; ok && cur == e {
		delete(r.engines, id)
	}
}

func (r *EngineRegistry) get(id uuid.UUID) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// all returns a snapshot of every currently-registered Engine, used by
// Proxy.Shutdown to notify every connected session.
func (r *EngineRegistry) all() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

// Proxy is the root value tying every component together: the Session
// Store, the Server Registry, cluster coordination, the Backend Control
// Manager and the Client Listener, per the REDESIGN FLAGS' "single root
// Proxy value, no global mutable singletons" (spec.md §9). cmd/numdrassl-proxy
// constructs exactly one of these.
type Proxy struct {
	ID string

	Store    *session.Store
	Servers  *ServerRegistry
	Engines  *EngineRegistry
	Listener *Listener
	Control  *control.Manager

	ClusterMsgs  cluster.Service
	ClusterReg   *cluster.Registry
	Heartbeat    *cluster.Heartbeat
	ServerList   *cluster.ServerListHandler
	PublicHost   string
	PublicPort   uint16

	// Channels is the set of plugin-message channels the extension layer
	// has declared interest in; a set the facade maintains, per
	// SPEC_FULL.md §5. The Backend Control Manager's PluginMessage hook
	// only fires for channels registered here.
	Channels *hooks.ChannelRegistrar

	log *zap.Logger
}

// RegisterChannel declares interest in a plugin-message channel, per
// spec.md §4.8.
func (p *Proxy) RegisterChannel(channel string) { p.Channels.Register(channel) }

// UnregisterChannel withdraws interest in a plugin-message channel.
func (p *Proxy) UnregisterChannel(channel string) { p.Channels.Unregister(channel) }

// AllPlayers returns every currently connected player, per spec.md §4.9's
// all_players.
func (p *Proxy) AllPlayers() []Player {
	sessions := p.Store.All()
	out := make([]Player, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, playerView{s})
	}
	return out
}

// GetPlayerByUUID implements get_player_by(uuid).
func (p *Proxy) GetPlayerByUUID(id uuid.UUID) (Player, bool) {
	s, ok := p.Store.ByUUID(id)
	if !ok {
		return nil, false
	}
	return playerView{s}, true
}

// GetPlayerByUsername implements get_player_by(username).
func (p *Proxy) GetPlayerByUsername(name string) (Player, bool) {
	s, ok := p.Store.ByUsername(name)
	if !ok {
		return nil, false
	}
	return playerView{s}, true
}

// PlayerCount implements player_count: this proxy's own local count.
func (p *Proxy) PlayerCount() int {
	return p.Store.Count()
}

// GlobalPlayerCount implements global_player_count: this proxy's count plus
// every known peer's last-reported count. Returns the local count unchanged
// if cluster coordination is disabled (ClusterReg is nil).
func (p *Proxy) GlobalPlayerCount() int {
	local := p.Store.Count()
	if p.ClusterReg == nil {
		return local
	}
	return p.ClusterReg.GlobalPlayerCount(local)
}

// AllServers implements all_servers: the merged local+remote backend set.
func (p *Proxy) AllServers() []Server {
	regs := p.Servers.All()
	out := make([]Server, 0, len(regs))
	for _, rs := range regs {
		out = append(out, serverView{rs})
	}
	return out
}

// GetServer implements get_server(name).
func (p *Proxy) GetServer(name string) (Server, bool) {
	rs, ok := p.Servers.Get(name)
	if !ok {
		return nil, false
	}
	return serverView{rs}, true
}

// RegisterServer implements register_server: adds a locally-owned backend
// and, if cluster coordination is active, announces it to every peer.
func (p *Proxy) RegisterServer(ctx context.Context, b Backend) error {
	if err := p.Servers.Register(b); err != nil {
		return err
	}
	if p.ServerList != nil {
		return p.ServerList.PublishRegister(ctx, b.Name, b.Addr())
	}
	return nil
}

// UnregisterServer implements unregister_server.
func (p *Proxy) UnregisterServer(ctx context.Context, name string) error {
	p.Servers.Unregister(name)
	if p.ServerList != nil {
		return p.ServerList.PublishUnregister(ctx, name)
	}
	return nil
}

// Transfer implements the switch_to_backend transfer entry point for a
// connected player, dispatching onto that player's own Engine loop.
func (p *Proxy) Transfer(id uuid.UUID, backendName string) error {
	e, ok := p.Engines.get(id)
	if !ok {
		return ErrNotConnected
	}
	return e.SwitchToBackend(backendName)
}

// TransferViaClientReferral implements the alternative client-driven
// transfer entry point (spec.md §4.9).
func (p *Proxy) TransferViaClientReferral(id uuid.UUID, backendName string) error {
	e, ok := p.Engines.get(id)
	if !ok {
		return ErrNotConnected
	}
	return e.RequestClientReferral(backendName, p.PublicHost, p.PublicPort)
}

// BeginShutdown marks this proxy as shutting down for heartbeat/cluster
// purposes, ahead of the caller closing listeners and sessions.
func (p *Proxy) BeginShutdown() {
	if p.Heartbeat != nil {
		p.Heartbeat.MarkShuttingDown()
	}
}

// Shutdown notifies every connected session with reason and disconnects it,
// mirroring the teacher's own p.Shutdown(component) farewell message ahead
// of process exit.
func (p *Proxy) Shutdown(reason string) {
	for _, e := range p.Engines.all() {
		e.Shutdown(reason)
	}
}
