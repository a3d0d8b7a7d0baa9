package cluster

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RemoteServer is one backend descriptor learned from a peer proxy.
type RemoteServer struct {
	Name    string
	Address string
	OwnerID string
}

// ServerListHandler is component J: it tracks backends registered by remote
// proxies, keyed by owner so a peer's departure can purge exactly its own
// entries without touching anyone else's, per spec.md §4.7.
//
// Local backends (this proxy's own static config, plus any registered via
// the Public Facade's register_server) are not stored here; callers merge
// this handler's Remote() results with the local set, with local entries
// shadowing a remote one of the same name, per spec.md §4.7's merge rule.
type ServerListHandler struct {
	proxyID string
	msgs    Service
	log     *zap.Logger

	mu sync.RWMutex
	// byOwner[ownerID][name] = entry
	byOwner map[string]map[string]RemoteServer

	unsubscribe func()
}

// NewServerListHandler creates a handler subscribed to the server-list
// channel.
func NewServerListHandler(proxyID string, msgs Service, log *zap.Logger) *ServerListHandler {
	h := &ServerListHandler{
		proxyID: proxyID,
		msgs:    msgs,
		log:     log,
		byOwner: make(map[string]map[string]RemoteServer),
	}
	h.unsubscribe = msgs.Subscribe(ChannelServerList, messageTypeServerList, false, h.onMessage)
	return h
}

func (h *ServerListHandler) onMessage(sourceProxyID string, m Message) {
	msg, ok := m.(ServerListMessage)
	if !ok || sourceProxyID == h.proxyID {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Op {
	case ServerListRegister, ServerListSync:
		owned, ok := h.byOwner[sourceProxyID]
		if !ok {
			owned = make(map[string]RemoteServer)
			h.byOwner[sourceProxyID] = owned
		}
		if msg.Op == ServerListSync {
			// A SYNC snapshot replaces the owner's entire known set;
			// its entries are then stored exactly as REGISTER entries
			// are.
			owned = make(map[string]RemoteServer)
			h.byOwner[sourceProxyID] = owned
		}
		for _, e := range msg.Entries {
			owned[strings.ToLower(e.Name)] = RemoteServer{Name: e.Name, Address: e.Address, OwnerID: sourceProxyID}
		}
	case ServerListUnregister:
		owned, ok := h.byOwner[sourceProxyID]
		if !ok {
			return
		}
		for _, e := range msg.Entries {
			delete(owned, strings.ToLower(e.Name))
		}
	default:
		h.log.Warn("server-list message with unknown op", zap.String("op", string(msg.Op)))
	}
}

// PeerLeft purges every entry owned by proxyID, called by the Registry's
// eviction path when a peer's heartbeat goes stale.
func (h *ServerListHandler) PeerLeft(proxyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byOwner, proxyID)
}

// Remote returns a snapshot of every backend currently known to be owned by
// a remote proxy.
func (h *ServerListHandler) Remote() []RemoteServer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RemoteServer, 0)
	for _, owned := range h.byOwner {
		for _, e := range owned {
			out = append(out, e)
		}
	}
	return out
}

// PublishRegister announces name/address as locally owned, broadcast to
// every peer so their handlers learn of it.
func (h *ServerListHandler) PublishRegister(ctx context.Context, name, address string) error {
	return h.msgs.Publish(ctx, ChannelServerList, ServerListMessage{
		ProxyID: h.proxyID,
		Op:      ServerListRegister,
		Entries: []ServerListEntry{{Name: name, Address: address}},
	})
}

// PublishUnregister retracts a locally owned backend.
func (h *ServerListHandler) PublishUnregister(ctx context.Context, name string) error {
	return h.msgs.Publish(ctx, ChannelServerList, ServerListMessage{
		ProxyID: h.proxyID,
		Op:      ServerListUnregister,
		Entries: []ServerListEntry{{Name: name}},
	})
}

// PublishSync broadcasts the full set of locally owned backends, used on
// startup (and on request) so late-joining or reconnecting peers learn this
// proxy's servers without waiting for individual REGISTER events.
func (h *ServerListHandler) PublishSync(ctx context.Context, entries []ServerListEntry) error {
	return h.msgs.Publish(ctx, ChannelServerList, ServerListMessage{
		ProxyID: h.proxyID,
		Op:      ServerListSync,
		Entries: entries,
	})
}

// Close unsubscribes from the server-list channel.
func (h *ServerListHandler) Close() error {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	return nil
}
