package proxy

import (
	"net"
	"strconv"
	"sync"

	"github.com/numdrassl/proxy/pkg/cluster"
)

// RegisteredServer is the public-facing view of a Backend Descriptor: the
// descriptor itself, whether it's locally owned or learned from a remote
// proxy, and its address for display, per spec.md §3.
type RegisteredServer struct {
	Backend Backend
	Local   bool
	OwnerID string // only set for remote entries
}

// ServerRegistry holds this proxy's locally-configured and runtime-
// registered backends, keyed case-insensitively, per spec.md §3's
// "case-insensitive unique" requirement.
type ServerRegistry struct {
	mu      sync.RWMutex
	local   map[string]Backend
	remotes *cluster.ServerListHandler
}

// NewServerRegistry creates a registry seeded with the statically
// configured backends. remotes may be nil if cluster coordination is
// disabled, in which case All() and Get() return only local entries.
func NewServerRegistry(initial []Backend, remotes *cluster.ServerListHandler) *ServerRegistry {
	r := &ServerRegistry{
		local:   make(map[string]Backend),
		remotes: remotes,
	}
	for _, b := range initial {
		r.local[lowerName(b.Name)] = b
	}
	return r
}

// Register adds a locally-owned backend, replacing any existing local entry
// whose name matches case-insensitively, so names stay unique per spec.md
// §3. It always returns nil.
func (r *ServerRegistry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[lowerName(b.Name)] = b
	return nil
}

// Unregister removes a locally-owned backend by name.
func (r *ServerRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, lowerName(name))
}

// Get returns the merged view of one backend by name: a local entry if
// one exists under that name, otherwise a remote one, per spec.md §4.7's
// shadow rule.
func (r *ServerRegistry) Get(name string) (RegisteredServer, bool) {
	key := lowerName(name)
	r.mu.RLock()
	b, ok := r.local[key]
	r.mu.RUnlock()
	if ok {
		return RegisteredServer{Backend: b, Local: true}, true
	}
	if r.remotes == nil {
		return RegisteredServer{}, false
	}
	for _, rs := range r.remotes.Remote() {
		if lowerName(rs.Name) == key {
			return RegisteredServer{
				Backend: Backend{Name: rs.Name, Host: hostOf(rs.Address), Port: portOf(rs.Address)},
				Local:   false,
				OwnerID: rs.OwnerID,
			}, true
		}
	}
	return RegisteredServer{}, false
}

// Default returns the configured default backend, if any.
func (r *ServerRegistry) Default() (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.local {
		if b.IsDefault {
			return b, true
		}
	}
	return Backend{}, false
}

// All returns the merged set of every backend this proxy knows about:
// every local entry, plus every remote entry whose name isn't locally
// shadowed, per spec.md §4.7.
func (r *ServerRegistry) All() []RegisteredServer {
	r.mu.RLock()
	out := make([]RegisteredServer, 0, len(r.local))
	shadowed := make(map[string]bool, len(r.local))
	for key, b := range r.local {
		out = append(out, RegisteredServer{Backend: b, Local: true})
		shadowed[key] = true
	}
	r.mu.RUnlock()

	if r.remotes != nil {
		for _, rs := range r.remotes.Remote() {
			key := lowerName(rs.Name)
			if shadowed[key] {
				continue
			}
			shadowed[key] = true
			out = append(out, RegisteredServer{
				Backend: Backend{Name: rs.Name, Host: hostOf(rs.Address), Port: portOf(rs.Address)},
				Local:   false,
				OwnerID: rs.OwnerID,
			})
		}
	}
	return out
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
