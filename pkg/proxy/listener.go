package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/numdrassl/proxy/pkg/errs"
	"github.com/numdrassl/proxy/pkg/frame"
	"github.com/numdrassl/proxy/pkg/hooks"
	"github.com/numdrassl/proxy/pkg/referral"
	"github.com/numdrassl/proxy/pkg/session"
	"github.com/numdrassl/proxy/pkg/sessionsvc"
)

// nextSessionID is a process-wide counter handed out as each connection's
// Session.ID; it need not be globally unique across proxies, only locally
// within one process's Store, per spec.md §3.
var nextSessionID uint64

func nextSessionIDValue() uint64 {
	return atomic.AddUint64(&nextSessionID, 1)
}

// Listener is the Client Listener (F): the QUIC-terminating front door
// every player connects to, per spec.md §4.1.
type Listener struct {
	bindAddr  string
	tlsConfig *tls.Config
	idle      time.Duration
	maxConns  int64

	store    *session.Store
	engines  *EngineRegistry
	dialer   *Dialer
	signer   *referral.Signer
	svc      *sessionsvc.Client
	backends *ServerRegistry
	hooks    hooks.Set
	log      *zap.Logger

	ln  *quic.Listener
	sem *semaphore.Weighted
}

// NewListener creates a Listener. cert is the proxy's own TLS identity.
// Client certificates are required but not chain-verified against a CA:
// the accept path records the SHA-256 fingerprint of the presented leaf
// certificate on the session and does not compare it against any expected
// value. hookSet is threaded onto every Engine this listener spawns;
// a zero-value hooks.Set is valid and makes every hook a no-op.
func NewListener(bindAddr string, cert tls.Certificate, alpn string, idle time.Duration, maxConns int64, store *session.Store, engines *EngineRegistry, dialer *Dialer, signer *referral.Signer, svc *sessionsvc.Client, backends *ServerRegistry, hookSet hooks.Set, log *zap.Logger) *Listener {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		ClientAuth:   tls.RequireAnyClientCert,
	}

	return &Listener{
		bindAddr:  bindAddr,
		tlsConfig: tlsConf,
		idle:      idle,
		maxConns:  maxConns,
		store:     store,
		engines:   engines,
		dialer:    dialer,
		signer:    signer,
		svc:       svc,
		backends:  backends,
		hooks:     hookSet,
		log:       log,
		sem:       semaphore.NewWeighted(maxConns),
	}
}

func (l *Listener) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 l.idle,
		MaxIncomingStreams:             100,
		InitialStreamReceiveWindow:     1 << 20,
		InitialConnectionReceiveWindow: 10 << 20,
	}
}

// Start begins listening and accepting connections in a new goroutine.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(l.bindAddr, l.tlsConfig, l.quicConfig())
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", l.bindAddr, err)
	}
	l.ln = ln
	go l.acceptLoop(ctx)
	l.log.Info("client listener started", zap.String("addr", l.bindAddr))
	return nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return
			}
			l.log.Warn("accept failed", zap.Error(err))
			continue
		}

		if !l.sem.TryAcquire(1) {
			_ = conn.CloseWithError(0, "proxy at connection capacity")
			l.log.Debug("rejected connection: at capacity", zap.Stringer("remote", conn.RemoteAddr()))
			continue
		}

		go func() {
			defer l.sem.Release(1)
			l.handleConn(ctx, conn)
		}()
	}
}

// handleConn accepts the session's single primary stream, reads the
// client's Connect frame, resolves session identity, and hands off to a
// new Engine for the rest of the lifecycle. Every other quic.Stream the
// client opens on this connection is rejected: the named-frame protocol and
// its opaque passthrough both flow over the one primary stream, per
// SPEC_FULL.md §4.1's per-connection pipeline.
func (l *Listener) handleConn(ctx context.Context, conn quic.Connection) {
	_, ok := clientCertFingerprint(conn)
	if !ok {
		_ = conn.CloseWithError(0, "client certificate required")
		return
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.log.Debug("failed to accept primary stream", zap.Error(err))
		_ = conn.CloseWithError(0, "")
		return
	}
	go l.rejectExtraStreams(ctx, conn)

	dec := frame.NewDecoder(stream)
	enc := frame.NewEncoder(stream)

	pkt, err := readWithTimeout(dec, handshakeTimeout)
	if err != nil {
		l.log.Debug("failed to read connect frame", zap.Error(err))
		_ = conn.CloseWithError(0, "")
		return
	}
	connectFrame, ok := pkt.Frame.(frame.Connect)
	if !ok {
		_ = enc.WriteFrame(frame.Disconnect{Reason: "expected Connect frame"})
		_ = conn.CloseWithError(0, errs.ErrProtocolViolation.Error())
		return
	}

	id := nextSessionIDValue()
	sess := session.New(id, conn.RemoteAddr().String(), l.log)
	sess.SetIdentity(connectFrame.UUID, connectFrame.Username, connectFrame.ProtocolFingerprint, connectFrame.IdentityToken)
	sess.SetReferralBlob(connectFrame.ReferralData)
	if fp, ok := clientCertFingerprint(conn); ok {
		sess.SetClientCertFingerprint(fp)
	}
	sess.SetClientTransport(closeConn(conn, 0, ""), stream)

	l.store.RegisterHandle(conn, sess)
	// Registration here is non-forcing: a client that merely presents a
	// uuid must not be able to evict an existing live session before it
	// has authenticated. Forcing re-registration is deferred to the
	// backend's ConnectAccept, in handshake.go, per spec.md §4.2 steps 1
	// and 4.
	l.store.RegisterUUID(connectFrame.UUID, sess)

	engine := newEngine(sess, l.store, l.engines, l.dialer, l.signer, l.svc, l.backends, l.hooks, conn, dec, enc, sess.Logger)
	engine.run(ctx)
}

// rejectExtraStreams closes any additional stream the client opens beyond
// the primary one, rather than leaving it to dangle unread.
func (l *Listener) rejectExtraStreams(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		_ = stream.Close()
	}
}
