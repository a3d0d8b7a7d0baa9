package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/frame"
	"github.com/numdrassl/proxy/pkg/hooks"
	"github.com/numdrassl/proxy/pkg/referral"
	"github.com/numdrassl/proxy/pkg/session"
	"github.com/numdrassl/proxy/pkg/sessionsvc"
)

// Engine is the Session State Machine (E): one per connected player,
// running its own goroutine reading from a buffered command channel so
// every state transition and every frame it forwards is serialized onto a
// single "pinned" loop, per spec.md §5 and SPEC_FULL.md §4.2-4.4.
//
// Cross-loop callers (the facade's transfer entry points and its shutdown
// path) never touch Engine's internal fields directly; they call
// enqueue, mirroring the teacher's execute(runnable) cross-loop dispatch
// with a plain Go channel instead of a reflective executor.
type Engine struct {
	sess     *session.Session
	store    *session.Store
	engines  *EngineRegistry
	dialer   *Dialer
	signer   *referral.Signer
	svc      *sessionsvc.Client
	backends *ServerRegistry
	hookSet  hooks.Set
	log      *zap.Logger

	clientConn quic.Connection
	clientDec  *frame.Decoder
	clientEnc  *frame.Encoder

	backendMu  sync.Mutex
	backendDec *frame.Decoder
	backendEnc *frame.Encoder

	cmds    chan func()
	done    chan struct{}
	rootCtx context.Context

	// disconnectReason is set by whichever path ends the session (handshake
	// denial, a duplicate-session kick, a clean client/backend close) and
	// read once by teardown, which is the single place CallDisconnect fires
	// from so every exit path - including a handshake failure, which never
	// reaches disconnect() - reports exactly one reason.
	disconnectReason hooks.DisconnectReason
}

// newEngine builds an Engine for an already-accepted client connection and
// stream whose Connect frame has been read by the listener.
func newEngine(sess *session.Session, store *session.Store, engines *EngineRegistry, dialer *Dialer, signer *referral.Signer, svc *sessionsvc.Client, backends *ServerRegistry, hookSet hooks.Set, clientConn quic.Connection, clientDec *frame.Decoder, clientEnc *frame.Encoder, log *zap.Logger) *Engine {
	return &Engine{
		sess:       sess,
		store:      store,
		engines:    engines,
		dialer:     dialer,
		signer:     signer,
		svc:        svc,
		backends:   backends,
		hookSet:    hookSet,
		log:        log,
		clientConn: clientConn,
		clientDec:  clientDec,
		clientEnc:  clientEnc,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
	}
}

// enqueue submits fn to run on the engine's own goroutine, blocking until it
// has or the engine has shut down.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// run drives the whole session lifecycle: handshake, backend dial, then the
// steady-state frame pump, until the session reaches DISCONNECTED.
func (e *Engine) run(ctx context.Context) {
	defer e.teardown()
	e.rootCtx = ctx

	if id, ok := e.sess.PlayerUUID(); ok && e.engines != nil {
		e.engines.register(id, e)
	}

	if err := e.handshake(ctx); err != nil {
		e.log.Info("session handshake failed", zap.Error(err))
		return
	}

	go e.clientReadPump(ctx)
	if dec, _ := e.backendCodec(); dec != nil {
		go e.backendReadPump(ctx)
	}

	e.loop(ctx)
}

// backendCodec returns the current backend-facing frame codec pair, or
// (nil, nil) before a backend dial has completed. It's read from the
// backend read pump goroutine and written from the engine's own loop
// goroutine during handshake/transfer, hence the dedicated mutex rather
// than relying on single-goroutine ownership like the rest of Engine's
// fields.
func (e *Engine) backendCodec() (*frame.Decoder, *frame.Encoder) {
	e.backendMu.Lock()
	defer e.backendMu.Unlock()
	return e.backendDec, e.backendEnc
}

func (e *Engine) setBackendCodec(dec *frame.Decoder, enc *frame.Encoder) {
	e.backendMu.Lock()
	defer e.backendMu.Unlock()
	e.backendDec, e.backendEnc = dec, enc
}

// loop is the command-processing core: every frame arrival and every
// external request (transfer, disconnect) is a closure submitted through
// cmds, executed one at a time.
func (e *Engine) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-e.cmds:
			if !ok {
				return
			}
			fn()
			if e.sess.State() == session.Disconnected {
				return
			}
		}
	}
}

// clientReadPump reads frames from the client stream and submits a handling
// closure for each onto cmds, so decoding happens off the serialized loop
// but all effects of a decoded frame happen on it.
func (e *Engine) clientReadPump(ctx context.Context) {
	for {
		pkt, err := e.clientDec.ReadPacket()
		if err != nil {
			e.enqueue(func() { e.onClientClosed(err) })
			return
		}
		pkt := pkt
		e.enqueue(func() { e.handleClientPacket(ctx, pkt) })
	}
}

// backendReadPump mirrors clientReadPump for the backend-facing stream; it
// re-reads e.backendCodec() on every iteration and returns once its stream
// fails or no backend codec is set. A transfer that swaps the backend
// transport starts a fresh pump for the new stream.
func (e *Engine) backendReadPump(ctx context.Context) {
	for {
		dec, _ := e.backendCodec()
		if dec == nil {
			return
		}
		pkt, err := dec.ReadPacket()
		if err != nil {
			e.enqueue(func() { e.onBackendClosed(dec, err) })
			return
		}
		pkt := pkt
		e.enqueue(func() { e.handleBackendPacket(ctx, pkt) })
	}
}

func (e *Engine) handleClientPacket(ctx context.Context, pkt *frame.PacketContext) {
	if e.sess.State() == session.Disconnected {
		return
	}

	if pkt.Frame == nil {
		e.forwardToBackend(pkt.Raw)
		return
	}

	switch f := pkt.Frame.(type) {
	case frame.Disconnect:
		e.log.Info("client disconnected", zap.String("reason", f.Reason))
		e.disconnect("client requested disconnect", hooks.DisconnectClientClosed)
	case frame.Chat:
		e.forwardToBackend(pkt.Raw)
	default:
		// Any other named frame arriving from the client mid-session
		// (a stray Connect, AuthToken, etc.) is a protocol violation
		// once past HANDSHAKING/AUTHENTICATING.
		e.log.Warn("unexpected client frame", zap.Any("type", f.Type()))
	}
}

func (e *Engine) handleBackendPacket(ctx context.Context, pkt *frame.PacketContext) {
	if e.sess.State() == session.Disconnected {
		return
	}

	if pkt.Frame == nil {
		e.forwardToClient(pkt.Raw)
		return
	}

	switch f := pkt.Frame.(type) {
	case frame.ConnectAccept:
		e.onBackendAccepted("")
	case frame.Disconnect:
		e.onBackendDisconnect(f.Reason)
	case frame.ClientReferral:
		e.onClientReferral(f)
	case frame.Chat:
		e.forwardToClient(pkt.Raw)
	default:
		e.log.Warn("unexpected backend frame", zap.Any("type", f.Type()))
	}
}

func (e *Engine) forwardToBackend(raw []byte) {
	verdict := e.hookSet.CallPacketMapping(e.rootCtx, e.sess.ID, hooks.DirectionClientToBackend, raw)
	switch verdict.Action {
	case hooks.PacketDrop:
		return
	case hooks.PacketReplace:
		raw = verdict.Replacement
	}

	_, enc := e.backendCodec()
	if enc == nil {
		e.sess.BufferPendingFrame(raw)
		return
	}
	if err := enc.WriteRaw(raw); err != nil {
		e.log.Debug("forward to backend failed", zap.Error(err))
		e.onBackendClosed(nil, err)
	}
}

func (e *Engine) forwardToClient(raw []byte) {
	verdict := e.hookSet.CallPacketMapping(e.rootCtx, e.sess.ID, hooks.DirectionBackendToClient, raw)
	switch verdict.Action {
	case hooks.PacketDrop:
		return
	case hooks.PacketReplace:
		raw = verdict.Replacement
	}

	if err := e.clientEnc.WriteRaw(raw); err != nil {
		e.log.Debug("forward to client failed", zap.Error(err))
		e.disconnect("client write failed", hooks.DisconnectClientClosed)
	}
}

// onBackendAccepted completes a CONNECTING->CONNECTED transition (first
// dial) or a TRANSFERRING->CONNECTED one (post-transfer), replaying any
// frames buffered while the new backend stream wasn't ready yet.
// previousBackend is the backend the session was leaving, or "" when there
// wasn't a meaningful prior one (the initial connect, or a transfer rollback
// that landed back on the same server it started from).
func (e *Engine) onBackendAccepted(previousBackend string) {
	wasTransfer := e.sess.Transferring()
	if err := e.sess.SetState(session.Connected); err != nil {
		e.log.Warn("illegal state on backend accept", zap.Error(err))
		return
	}
	e.sess.ClearTransferring()

	e.hookSet.CallServerConnected(context.Background(), e.sess.ID, e.sess.CurrentBackend(), previousBackend)

	for _, raw := range e.sess.DrainPendingFrames() {
		_, enc := e.backendCodec()
		if enc == nil {
			break
		}
		_ = enc.WriteRaw(raw)
	}

	if wasTransfer {
		_ = e.clientEnc.WriteFrame(frame.Chat{Message: fmt.Sprintf("Connected to %s", e.sess.CurrentBackend())})
	}
}

func (e *Engine) onBackendDisconnect(reason string) {
	if e.sess.Transferring() {
		// A disconnect arriving while a transfer dial is in flight is
		// handled by the transfer path itself, not as a session-ending
		// event.
		return
	}
	e.log.Info("backend closed session", zap.String("reason", reason))
	if reason != "" {
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: reason})
	}
	e.disconnect(reason, hooks.DisconnectBackendClosed)
}

func (e *Engine) onClientReferral(f frame.ClientReferral) {
	// The client-side transfer path: tell the client to reconnect
	// elsewhere carrying f.ReferralBlob. The proxy itself doesn't act on
	// this beyond forwarding it; the client is expected to close and
	// redial per spec.md §4.9's ClientReferral alternative transfer.
	_ = e.clientEnc.WriteFrame(f)
}

func (e *Engine) onClientClosed(err error) {
	if e.sess.State() == session.Disconnected {
		return
	}
	e.log.Debug("client stream closed", zap.Error(err))
	reason := hooks.DisconnectClientClosed
	if e.sess.Kicked() {
		reason = hooks.DisconnectDuplicateSession
	}
	e.disconnect("client connection closed", reason)
}

func (e *Engine) onBackendClosed(dec *frame.Decoder, err error) {
	if cur, _ := e.backendCodec(); dec != nil && dec != cur {
		// A pump on a backend stream that a transfer (or its rollback)
		// has since replaced reports the close after the transfer flag
		// is cleared; the session is already on the new stream.
		return
	}
	if e.sess.Transferring() {
		// Expected: the old backend stream closes once the transfer's
		// new dial supersedes it.
		return
	}
	if e.sess.State() == session.Disconnected {
		return
	}
	e.log.Debug("backend stream closed", zap.Error(err))
	_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Lost connection to backend server"})
	reason := hooks.DisconnectBackendClosed
	if e.sess.Kicked() {
		reason = hooks.DisconnectDuplicateSession
	}
	e.disconnect("backend connection closed", reason)
}

// Shutdown notifies the client with a farewell Chat/Disconnect pair and
// ends the session, for a coordinated proxy-wide shutdown. Safe to call
// from any goroutine.
func (e *Engine) Shutdown(reason string) {
	e.enqueue(func() {
		if e.sess.State() == session.Disconnected {
			return
		}
		_ = e.clientEnc.WriteFrame(frame.Chat{Message: reason})
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: reason})
		e.disconnect("proxy shutting down", hooks.DisconnectPolicy)
	})
}

// disconnect transitions the session to DISCONNECTED; the loop then returns
// and teardown closes both transports. It is always called on the engine's
// own goroutine. dr records why, for teardown's single CallDisconnect hook
// invocation.
func (e *Engine) disconnect(reason string, dr hooks.DisconnectReason) {
	if e.sess.State() == session.Disconnected {
		return
	}
	_ = e.sess.SetState(session.Disconnected)
	e.disconnectReason = dr
	e.log.Info("session disconnected", zap.String("reason", reason))
}

func (e *Engine) teardown() {
	e.hookSet.CallDisconnect(context.Background(), e.sess.ID, e.disconnectReason)

	e.sess.MarkClosed()
	e.sess.CloseBackend()
	e.sess.CloseClient()
	e.store.UnregisterHandle(e.clientConn)
	if id, ok := e.sess.PlayerUUID(); ok {
		e.store.UnregisterUUID(id, e.sess)
		if e.engines != nil {
			e.engines.unregister(id, e)
		}
	}
	close(e.done)
}

// awaitFrame reads client frames directly (bypassing the pump) during the
// handshake, before the steady-state loop has started; it's only ever
// called from run()/handshake() on the engine's own goroutine, so there is
// no concurrent access to clientDec here.
func (e *Engine) awaitFrame(ctx context.Context, timeout time.Duration) (*frame.PacketContext, error) {
	type result struct {
		pkt *frame.PacketContext
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pkt, err := e.clientDec.ReadPacket()
		ch <- result{pkt, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.pkt, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("proxy: timed out waiting for client frame: %w", ctx.Err())
	}
}
