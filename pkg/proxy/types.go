// Package proxy implements the Client Listener (F), the Backend Dialer
// (D), the Session State Machine (E), the backend registry, and the
// Public Facade (L), per spec.md §4.1-§4.4 and §4.9.
package proxy

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// ErrClosedConn is returned by SwitchToBackend and RequestClientReferral
// when the session's engine has already ended.
var ErrClosedConn = errors.New("proxy: connection is closed")

var (
	// ErrNoBackendAvailable is returned when neither a referral nor a
	// configured default backend can be resolved, per spec.md §4.2 step 3.
	ErrNoBackendAvailable = errors.New("proxy: no backend server available")
	// ErrSameBackend is returned by a transfer request naming the
	// session's current backend.
	ErrSameBackend = errors.New("proxy: already connected to that backend")
	// ErrNotConnected is returned by a transfer request on a session that
	// isn't in CONNECTED.
	ErrNotConnected = errors.New("proxy: session is not connected")
)

// Backend is a backend server descriptor: name (case-insensitive unique
// within a proxy), network address, default flag, and optional SNI
// hostname for routing, per spec.md §3.
type Backend struct {
	Name      string
	Host      string
	Port      int
	IsDefault bool
	SNIHost   string
}

// Addr returns host:port for dialing.
func (b Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// lowerName is the case-insensitive key used everywhere a backend or
// server-list entry name is compared, matching spec.md §3's
// "case-insensitive unique" requirement.
func lowerName(s string) string {
	return strings.ToLower(s)
}
