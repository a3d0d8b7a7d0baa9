// Package control implements the Backend Control Manager (component K): a
// persistent, player-independent QUIC stream per backend used for plugin
// messaging, with an authenticated handshake and capped-backoff
// auto-reconnect, per spec.md §4.8.
package control

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/plugin"
	"github.com/numdrassl/proxy/pkg/referral"
)

// HandshakeChannel is the plugin-message channel the control handshake is
// wrapped in, per spec.md §4.8.
const HandshakeChannel = "numdrassl:control_handshake"

// ConnState is a ControlConnection's lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Handshaking
	Active
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Stream is the bidirectional byte stream a Dialer opens for one backend's
// control connection; the concrete type is a *quic.Stream supplied by
// pkg/proxy's dialer.
type Stream interface {
	io.ReadWriteCloser
}

// Transport is the underlying QUIC connection a control Stream was opened
// on; the concrete type is a *quic.Conn.
type Transport interface {
	io.Closer
}

// Dialer opens a fresh control-plane transport and stream to a named
// backend. Implemented by pkg/proxy's backend dialer so pkg/control stays
// free of any direct quic-go dependency.
type Dialer interface {
	DialControl(ctx context.Context, backendName string) (Transport, Stream, error)
}

// PluginMessageFunc is invoked for every non-handshake plugin message
// received on an active control connection.
type PluginMessageFunc func(backendName string, msg plugin.Message)

// Manager owns one ControlConnection per configured backend and the
// periodic reconnect probe that keeps them alive, per spec.md §4.8.
type Manager struct {
	dialer  Dialer
	signer  *referral.Signer
	log     *zap.Logger
	onMsg   PluginMessageFunc
	probe   time.Duration
	maxBack time.Duration

	mu    sync.RWMutex
	conns map[string]*ControlConnection

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a Manager. probe is the reconnect-probe interval
// (default 30s per spec.md §4.8); maxBackoff caps the exponential backoff
// applied to repeatedly-failing backends (the REDESIGN FLAGS-permitted
// refinement over the source's fixed-period, no-backoff loop).
func NewManager(dialer Dialer, signer *referral.Signer, probe, maxBackoff time.Duration, onMsg PluginMessageFunc, log *zap.Logger) *Manager {
	return &Manager{
		dialer:  dialer,
		signer:  signer,
		log:     log,
		onMsg:   onMsg,
		probe:   probe,
		maxBack: maxBackoff,
		conns:   make(map[string]*ControlConnection),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddBackend registers backendName for control-connection management. It
// starts DISCONNECTED; the first reconnect probe tick attempts to connect
// it.
func (m *Manager) AddBackend(backendName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[backendName]; ok {
		return
	}
	m.conns[backendName] = newControlConnection(backendName, m.dialer, m.signer, m.maxBack, m.onMsg, m.log)
}

// RemoveBackend tears down and forgets backendName's control connection.
func (m *Manager) RemoveBackend(backendName string) {
	m.mu.Lock()
	conn, ok := m.conns[backendName]
	delete(m.conns, backendName)
	m.mu.Unlock()
	if ok {
		conn.close()
	}
}

// Start begins the reconnect-probe loop in a new goroutine.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.probe)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*ControlConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if c.state() != Active && c.readyForRetry(m.maxBack) {
			go c.connect(ctx)
		}
	}
}

// Send delivers msg on backendName's control connection if it is ACTIVE.
// It returns false without error when the connection isn't ready, per
// spec.md §4.8's "doesn't throw, returns false" contract.
func (m *Manager) Send(backendName string, msg plugin.Message) bool {
	m.mu.RLock()
	conn, ok := m.conns[backendName]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.send(msg)
}

// Broadcast delivers msg on every ACTIVE control connection, returning the
// count of backends it was actually sent to.
func (m *Manager) Broadcast(msg plugin.Message) int {
	m.mu.RLock()
	conns := make([]*ControlConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.send(msg) {
			sent++
		}
	}
	return sent
}

// State returns backendName's current control-connection state, or
// Disconnected if unknown.
func (m *Manager) State(backendName string) ConnState {
	m.mu.RLock()
	conn, ok := m.conns[backendName]
	m.mu.RUnlock()
	if !ok {
		return Disconnected
	}
	return conn.state()
}

// Close stops the reconnect loop and tears down every control connection.
func (m *Manager) Close() error {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*ControlConnection)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// jitter returns d scaled by a random factor in [0.8, 1.2), to avoid every
// backend's reconnect attempt landing on the same tick after a shared
// outage.
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}
