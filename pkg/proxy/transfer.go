package proxy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/errs"
	"github.com/numdrassl/proxy/pkg/frame"
	"github.com/numdrassl/proxy/pkg/hooks"
	"github.com/numdrassl/proxy/pkg/referral"
	"github.com/numdrassl/proxy/pkg/session"
)

// transferTimeout bounds the new backend dial a transfer performs, per
// spec.md §5.
const transferTimeout = 10 * time.Second

// SwitchToBackend implements the in-session transfer operation (spec.md
// §4.9's switch_to_backend): it moves a CONNECTED session to a new backend
// without the client ever disconnecting from the proxy. It is safe to call
// from any goroutine; the actual work is serialized onto the session's own
// engine loop.
func (e *Engine) SwitchToBackend(backendName string) error {
	errCh := make(chan error, 1)
	e.enqueue(func() { errCh <- e.doSwitchToBackend(backendName) })
	select {
	case err := <-errCh:
		return err
	case <-e.done:
		return ErrClosedConn
	}
}

func (e *Engine) doSwitchToBackend(backendName string) error {
	if e.sess.State() != session.Connected {
		return ErrNotConnected
	}

	verdict := e.hookSet.CallPreConnect(e.rootCtx, e.sess.ID, hooks.BackendCandidate{Name: backendName})
	if !verdict.Allow {
		reason := verdict.Reason
		if reason == "" {
			reason = "transfer denied"
		}
		return fmt.Errorf("%w: %s", errs.ErrPolicyLimitReached, reason)
	}
	if verdict.Redirect != "" {
		backendName = verdict.Redirect
	}

	if lowerName(e.sess.CurrentBackend()) == lowerName(backendName) {
		return ErrSameBackend
	}
	if _, ok := e.backends.Get(backendName); !ok {
		return fmt.Errorf("%w: %q", ErrNoBackendAvailable, backendName)
	}

	if err := e.sess.SetState(session.Transferring); err != nil {
		return err
	}
	if err := e.sess.SetState(session.Connecting); err != nil {
		return err
	}
	_ = e.clientEnc.WriteFrame(frame.Chat{Message: fmt.Sprintf("Connecting to %s...", backendName)})

	previousBackend := e.sess.CurrentBackend()
	e.sess.CloseBackend()
	e.setBackendCodec(nil, nil)

	dialCtx, cancel := context.WithTimeout(e.rootCtx, transferTimeout)
	defer cancel()

	conn, stream, dec, enc, err := e.dialer.DialPlayer(dialCtx, backendName, e.sess)
	if err != nil {
		return e.rollbackTransfer(previousBackend, fmt.Errorf("proxy: transfer dial %q: %w", backendName, err))
	}

	pkt, err := readWithTimeout(dec, transferTimeout)
	if err != nil {
		_ = stream.Close()
		_ = conn.CloseWithError(0, "")
		return e.rollbackTransfer(previousBackend, fmt.Errorf("proxy: transfer awaiting accept from %q: %w", backendName, err))
	}
	switch f := pkt.Frame.(type) {
	case frame.ConnectAccept:
		e.sess.SetCurrentBackend(backendName)
		e.sess.SetBackendTransport(closeConn(conn, 0, ""), stream)
		e.setBackendCodec(dec, enc)
		go e.backendReadPump(e.rootCtx)
		e.onBackendAccepted(previousBackend)
		return nil
	case frame.Disconnect:
		_ = stream.Close()
		_ = conn.CloseWithError(0, "")
		return e.rollbackTransfer(previousBackend, fmt.Errorf("proxy: %q refused transfer: %s", backendName, f.Reason))
	default:
		_ = stream.Close()
		_ = conn.CloseWithError(0, "")
		return e.rollbackTransfer(previousBackend, fmt.Errorf("%w: expected ConnectAccept from %q", errs.ErrProtocolViolation, backendName))
	}
}

// rollbackTransfer handles a failed switch_to_backend attempt: per spec.md
// §9's deferred-chat decision, the client is told the transfer failed, and
// the session is dropped back to CONNECTED against its original backend if
// that backend still accepts a redial, or disconnected entirely if not.
func (e *Engine) rollbackTransfer(previousBackend string, cause error) error {
	e.log.Warn("transfer failed", zap.String("target", previousBackend), zap.Error(cause))
	_ = e.clientEnc.WriteFrame(frame.Chat{Message: "Failed to connect to destination server, returning you to your previous server..."})

	dialCtx, cancel := context.WithTimeout(e.rootCtx, transferTimeout)
	defer cancel()

	conn, stream, dec, enc, err := e.dialer.DialPlayer(dialCtx, previousBackend, e.sess)
	if err != nil {
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Lost connection to all available servers"})
		e.disconnect("transfer rollback failed", hooks.DisconnectBackendClosed)
		return cause
	}
	pkt, err := readWithTimeout(dec, transferTimeout)
	if err != nil {
		_ = stream.Close()
		_ = conn.CloseWithError(0, "")
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Lost connection to all available servers"})
		e.disconnect("transfer rollback failed", hooks.DisconnectBackendClosed)
		return cause
	}
	if _, ok := pkt.Frame.(frame.ConnectAccept); !ok {
		_ = stream.Close()
		_ = conn.CloseWithError(0, "")
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Lost connection to all available servers"})
		e.disconnect("transfer rollback failed", hooks.DisconnectBackendClosed)
		return cause
	}

	e.sess.SetCurrentBackend(previousBackend)
	e.sess.SetBackendTransport(closeConn(conn, 0, ""), stream)
	e.setBackendCodec(dec, enc)
	go e.backendReadPump(e.rootCtx)
	e.onBackendAccepted("")
	return cause
}

// RequestClientReferral implements the alternative, client-side transfer
// path (spec.md §4.9): rather than re-dialing the destination from the
// proxy itself, the client is handed a signed referral and told to
// reconnect at the proxy's public address, landing back in HANDSHAKING
// with the referral embedded in its next Connect frame (see
// Engine.chooseBackend).
func (e *Engine) RequestClientReferral(backendName, publicHost string, publicPort uint16) error {
	errCh := make(chan error, 1)
	e.enqueue(func() { errCh <- e.doRequestClientReferral(backendName, publicHost, publicPort) })
	select {
	case err := <-errCh:
		return err
	case <-e.done:
		return ErrClosedConn
	}
}

func (e *Engine) doRequestClientReferral(backendName, publicHost string, publicPort uint16) error {
	if e.sess.State() != session.Connected {
		return ErrNotConnected
	}
	if _, ok := e.backends.Get(backendName); !ok {
		return fmt.Errorf("%w: %q", ErrNoBackendAvailable, backendName)
	}

	id, username, _, _ := e.sess.Identity()
	blob := e.signer.SignPlayer(referral.PlayerInfo{
		UUID:       id,
		Username:   username,
		Backend:    backendName,
		ClientAddr: e.sess.ClientAddr,
	})

	return e.clientEnc.WriteFrame(frame.ClientReferral{
		PublicHost:   publicHost,
		PublicPort:   publicPort,
		ReferralBlob: blob,
	})
}
