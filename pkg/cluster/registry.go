package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeerState is one remote proxy's last-known status, as tracked by the
// Proxy Registry (H), per spec.md §3 and §4.6.
type PeerState struct {
	ProxyID     string
	Region      string
	Host        string
	Port        int
	PlayerCount int
	LastSeen    time.Time
}

// Registry tracks every peer proxy's heartbeat and evicts peers that stop
// heartbeating, per spec.md §4.6. The local proxy is never entered into the
// peer map and is never evicted from it.
type Registry struct {
	proxyID    string
	staleAfter time.Duration
	log        *zap.Logger

	mu    sync.RWMutex
	peers map[string]PeerState

	unsubscribe func()
	stopSweep   chan struct{}
	sweepDone   chan struct{}

	// onPeerLeft, if set, is called (with the departing peer's proxyID)
	// whenever a peer is evicted as stale. The Server-List Handler hooks
	// this to purge the peer's owned backends, per spec.md §4.7.
	onPeerLeft func(proxyID string)
}

// NewRegistry creates a Registry for proxyID, subscribing to msgs'
// heartbeat channel. staleAfter is the duration since a peer's last
// heartbeat after which it is considered gone; spec.md §8's seed scenario
// uses three missed heartbeat intervals.
func NewRegistry(proxyID string, staleAfter time.Duration, msgs Service, log *zap.Logger) *Registry {
	r := &Registry{
		proxyID:    proxyID,
		staleAfter: staleAfter,
		log:        log,
		peers:      make(map[string]PeerState),
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	r.unsubscribe = msgs.Subscribe(ChannelHeartbeat, messageTypeHeartbeat, false, r.onHeartbeat)
	go r.sweepLoop()
	return r
}

// OnPeerLeft registers fn to be called whenever a peer is evicted as stale.
// Only one callback is supported; later calls replace the prior one.
func (r *Registry) OnPeerLeft(fn func(proxyID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPeerLeft = fn
}

func (r *Registry) onHeartbeat(sourceProxyID string, msg Message) {
	hb, ok := msg.(HeartbeatMessage)
	if !ok || sourceProxyID == r.proxyID {
		return
	}

	if hb.ShuttingDown {
		// A graceful shutdown heartbeat removes the peer immediately
		// rather than waiting for the stale sweep, per spec.md §4.6.
		r.mu.Lock()
		_, known := r.peers[sourceProxyID]
		delete(r.peers, sourceProxyID)
		cb := r.onPeerLeft
		r.mu.Unlock()
		if known {
			r.log.Info("peer proxy left cluster gracefully", zap.String("peerID", sourceProxyID))
			if cb != nil {
				cb(sourceProxyID)
			}
		}
		return
	}

	r.mu.Lock()
	_, known := r.peers[sourceProxyID]
	r.peers[sourceProxyID] = PeerState{
		ProxyID:     sourceProxyID,
		Region:      hb.Region,
		Host:        hb.Host,
		Port:        hb.Port,
		PlayerCount: hb.PlayerCount,
		LastSeen:    time.Now(),
	}
	r.mu.Unlock()
	if !known {
		r.log.Info("peer proxy joined cluster", zap.String("peerID", sourceProxyID))
	}
}

// sweepLoop periodically evicts peers whose last heartbeat is older than
// staleAfter.
func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	cutoff := time.Now().Add(-r.staleAfter)
	r.mu.Lock()
	var evicted []string
	for id, peer := range r.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			evicted = append(evicted, id)
			r.log.Info("evicted stale peer proxy", zap.String("peerID", id), zap.Time("lastSeen", peer.LastSeen))
		}
	}
	cb := r.onPeerLeft
	r.mu.Unlock()

	if cb != nil {
		for _, id := range evicted {
			cb(id)
		}
	}
}

// Peers returns a snapshot of every currently-known remote peer. The local
// proxy is never included.
func (r *Registry) Peers() []PeerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerState, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of known remote peers.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// GlobalPlayerCount returns this proxy's own count (passed in) summed with
// every known peer's last-reported count, per spec.md's global_player_count
// facade operation.
func (r *Registry) GlobalPlayerCount(localCount int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := localCount
	for _, p := range r.peers {
		total += p.PlayerCount
	}
	return total
}

// Close stops the sweep loop and unsubscribes from heartbeats.
func (r *Registry) Close() error {
	close(r.stopSweep)
	<-r.sweepDone
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	return nil
}
