// Package session implements the Session Store (component A): the central
// per-player entity and the store that enforces at-most-one session per
// player identifier, per spec.md §3.
package session

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Closer is satisfied by the transport and stream handles a Session holds.
// The concrete types are *quic.Conn / *quic.Stream, supplied by pkg/proxy;
// this package only needs to be able to tear them down.
type Closer interface {
	Close() error
}

// Session is a connected player's end-to-end state, spanning a client-facing
// QUIC connection and (once past AUTHENTICATING) a backend-facing one.
//
// All fields below the embedded mutex are mutated only by the state
// machine goroutine that owns this session (pkg/proxy's per-session event
// loop) or via the accessor methods here, which take the lock; this mirrors
// go.minekube.com/gate's connectedPlayer, whose mu guards connectedServer_,
// connInFlight, settings and connPhase the same way.
type Session struct {
	ID         uint64
	ClientAddr string
	Logger     *zap.Logger

	closed     atomic.Bool
	transfer   atomic.Bool
	kicked     atomic.Bool
	ping       atomic.Duration

	mu                  sync.RWMutex
	state               State
	playerUUID          uuid.UUID
	hasPlayerUUID       bool
	username            string
	protocolFingerprint []byte
	identityToken       []byte
	referralBlob        []byte
	clientCertSHA256    [32]byte
	authorizationGrant  []byte
	serverIdentityToken []byte
	serverAccessToken   []byte
	currentBackend      string

	clientTransport  Closer
	clientStream     Closer
	backendTransport Closer
	backendStream    Closer

	// pendingFrames buffers raw application-protocol bytes that arrive
	// before CONNECTED and must be replayed to the backend once the
	// connection is established, mirroring the teacher's
	// clientPlaySessionHandler.loginPluginMessages deque.
	pendingFrames deque.Deque[[]byte]
}

// New creates a Session in HANDSHAKING for a freshly accepted client
// transport.
func New(id uint64, clientAddr string, logger *zap.Logger) *Session {
	s := &Session{
		ID:         id,
		ClientAddr: clientAddr,
		Logger:     logger.With(zap.Uint64("sessionID", id), zap.String("client", clientAddr)),
		state:      Handshaking,
	}
	s.ping.Store(-1 * time.Millisecond)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState attempts the transition to next, returning an error if it is not
// legal from the current state.
func (s *Session) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return ErrTerminalState{Attempted: next}
	}
	if !CanTransition(s.state, next) {
		return ErrIllegalTransition{From: s.state, To: next}
	}
	s.state = next
	if next == Transferring {
		s.transfer.Store(true)
	}
	return nil
}

// Transferring reports whether the session is mid-transfer: while true, a
// backend-side stream close must not propagate as a client disconnect.
func (s *Session) Transferring() bool { return s.transfer.Load() }

// ClearTransferring clears the transfer flag once a transfer's new backend
// stream has been published.
func (s *Session) ClearTransferring() { s.transfer.Store(false) }

// MarkKicked records that this session is being torn down because another
// connection forced its uuid slot, so its own close handlers can report the
// resulting disconnect as a duplicate-session eviction rather than an
// ordinary client/backend close.
func (s *Session) MarkKicked() { s.kicked.Store(true) }

// Kicked reports whether MarkKicked has been called.
func (s *Session) Kicked() bool { return s.kicked.Load() }

// Ping returns the session's last known latency, or -1 if unknown; latency
// tracking itself is out of scope (spec.md §4.2).
func (s *Session) Ping() time.Duration { return s.ping.Load() }

// PlayerUUID returns the player's uuid and whether one has been captured
// yet (it is only known once the Connect frame has been processed).
func (s *Session) PlayerUUID() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerUUID, s.hasPlayerUUID
}

// Username returns the player's display name, if known.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetIdentity records the identity captured from the client's Connect frame.
func (s *Session) SetIdentity(id uuid.UUID, username string, fingerprint, identityToken []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playerUUID = id
	s.hasPlayerUUID = true
	s.username = username
	s.protocolFingerprint = fingerprint
	s.identityToken = identityToken
}

// Identity returns the cached fields needed to synthesize a Connect frame
// for a backend dial or an in-session transfer.
func (s *Session) Identity() (id uuid.UUID, username string, fingerprint, identityToken []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerUUID, s.username, s.protocolFingerprint, s.identityToken
}

// SetReferralBlob records the (possibly empty) referral data the client
// presented in its Connect frame, e.g. from a prior ClientReferral-driven
// transfer.
func (s *Session) SetReferralBlob(blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referralBlob = blob
}

// ReferralBlob returns the cached Connect-frame referral data, if any.
func (s *Session) ReferralBlob() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referralBlob
}

// SetClientCertFingerprint records the SHA-256 fingerprint of the client's
// TLS leaf certificate, extracted at handshake.
func (s *Session) SetClientCertFingerprint(fp [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientCertSHA256 = fp
}

// ClientCertFingerprint returns the cached fingerprint.
func (s *Session) ClientCertFingerprint() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCertSHA256
}

// SetAuthGrant records the grant and server identity token issued by the
// session service.
func (s *Session) SetAuthGrant(grant, serverIdentityToken []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizationGrant = grant
	s.serverIdentityToken = serverIdentityToken
}

// SetServerAccessToken records the token obtained from a grant exchange; it
// may be empty if the client presented no server authorization grant.
func (s *Session) SetServerAccessToken(token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverAccessToken = token
}

// CurrentBackend returns the name of the currently selected backend, or ""
// before one has been chosen.
func (s *Session) CurrentBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBackend
}

// SetCurrentBackend records the newly selected backend's name.
func (s *Session) SetCurrentBackend(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentBackend = name
}

// SetClientTransport records the client-facing transport and stream
// handles.
func (s *Session) SetClientTransport(transport, stream Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientTransport = transport
	s.clientStream = stream
}

// SetBackendTransport records the backend-facing transport and stream
// handles. Per spec.md §3's invariant, callers must have fully closed any
// previous backend transport before calling this during a transfer.
func (s *Session) SetBackendTransport(transport, stream Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendTransport = transport
	s.backendStream = stream
}

// BackendTransport returns the current backend transport and stream
// handles, which may be nil before CONNECTING resolves.
func (s *Session) BackendTransport() (transport, stream Closer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backendTransport, s.backendStream
}

// ClientTransport returns the client transport and stream handles.
func (s *Session) ClientTransport() (transport, stream Closer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientTransport, s.clientStream
}

// CloseBackend closes and clears the backend transport and stream, if any.
// It is idempotent.
func (s *Session) CloseBackend() {
	s.mu.Lock()
	transport, stream := s.backendTransport, s.backendStream
	s.backendTransport, s.backendStream = nil, nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// CloseClient closes and clears the client transport and stream, if any. It
// is idempotent.
func (s *Session) CloseClient() {
	s.mu.Lock()
	transport, stream := s.clientTransport, s.clientStream
	s.clientTransport, s.clientStream = nil, nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// MarkClosed records that this session has been torn down; Closed reports
// it. It is safe to call more than once.
func (s *Session) MarkClosed() bool { return s.closed.CompareAndSwap(false, true) }

// Closed reports whether MarkClosed has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// BufferPendingFrame appends a raw application-protocol frame to the
// pre-CONNECTED replay buffer.
func (s *Session) BufferPendingFrame(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFrames.PushBack(raw)
}

// DrainPendingFrames removes and returns every buffered frame, in arrival
// order, for replay onto the newly connected backend stream.
func (s *Session) DrainPendingFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, s.pendingFrames.Len())
	for s.pendingFrames.Len() > 0 {
		out = append(out, s.pendingFrames.PopFront())
	}
	return out
}
