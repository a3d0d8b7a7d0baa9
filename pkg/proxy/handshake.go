package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/errs"
	"github.com/numdrassl/proxy/pkg/frame"
	"github.com/numdrassl/proxy/pkg/hooks"
	"github.com/numdrassl/proxy/pkg/session"
	"github.com/numdrassl/proxy/pkg/sessionsvc"
)

// handshakeTimeout bounds every individual step of the three-leg handshake,
// per spec.md §5's "no unbounded wait for a client that never responds".
const handshakeTimeout = 10 * time.Second

// handshake drives a session from HANDSHAKING through CONNECTING to
// CONNECTED (or returns an error, in which case the caller tears the
// session down): the session service grant/exchange round trip, then the
// backend dial, as spec.md §4.2 steps 1-4.
func (e *Engine) handshake(ctx context.Context) error {
	id, username, _, identityToken := e.sess.Identity()

	verdict := e.hookSet.CallPreLogin(ctx, e.sess.ClientAddr)
	if !verdict.Allow {
		reason := verdict.Reason
		if reason == "" {
			reason = "Login denied"
		}
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: reason})
		e.disconnectReason = hooks.DisconnectPolicy
		return fmt.Errorf("%w: pre-login hook denied: %s", errs.ErrAuthDenied, reason)
	}

	if err := e.sess.SetState(session.Authenticating); err != nil {
		return err
	}

	grantResp, err := e.svc.IssueGrant(ctx, sessionsvc.IssueGrantRequest{
		UUID:          id.String(),
		Username:      username,
		IdentityToken: identityToken,
	})
	if err != nil {
		e.log.Warn("session service denied grant", zap.Error(err))
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Authentication failed"})
		e.disconnectReason = hooks.DisconnectPolicy
		return fmt.Errorf("%w: %s", errs.ErrAuthDenied, err)
	}
	e.sess.SetAuthGrant(grantResp.AuthorizationGrant, grantResp.ServerIdentityToken)

	if err := e.clientEnc.WriteFrame(frame.AuthGrant{
		AuthorizationGrant:  grantResp.AuthorizationGrant,
		ServerIdentityToken: grantResp.ServerIdentityToken,
	}); err != nil {
		return fmt.Errorf("proxy: write auth grant: %w", err)
	}

	pkt, err := e.awaitFrame(ctx, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("proxy: waiting for auth token: %w", err)
	}
	authToken, ok := pkt.Frame.(frame.AuthToken)
	if !ok {
		return fmt.Errorf("%w: expected AuthToken frame", errs.ErrProtocolViolation)
	}

	var serverAccessToken []byte
	if len(authToken.ServerAuthorizationGrant) > 0 {
		exResp, err := e.svc.ExchangeGrant(ctx, sessionsvc.ExchangeGrantRequest{
			UUID:                     id.String(),
			ServerAuthorizationGrant: authToken.ServerAuthorizationGrant,
		})
		if err != nil {
			_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Authentication failed"})
			e.disconnectReason = hooks.DisconnectPolicy
			return fmt.Errorf("%w: exchange grant: %s", errs.ErrAuthDenied, err)
		}
		serverAccessToken = exResp.ServerAccessToken
	}
	e.sess.SetServerAccessToken(serverAccessToken)

	if err := e.clientEnc.WriteFrame(frame.ServerAuthToken{ServerAccessToken: serverAccessToken}); err != nil {
		return fmt.Errorf("proxy: write server auth token: %w", err)
	}

	backendName, err := e.chooseBackend()
	if err != nil {
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "No server available"})
		return err
	}

	if err := e.sess.SetState(session.Connecting); err != nil {
		return err
	}
	if err := e.dialAndAwaitAccept(ctx, backendName); err != nil {
		_ = e.clientEnc.WriteFrame(frame.Disconnect{Reason: "Failed to connect to destination server"})
		if errors.Is(err, errs.ErrPolicyLimitReached) {
			e.disconnectReason = hooks.DisconnectPolicy
		}
		return err
	}

	// Forcing re-registration happens here, only once the backend has
	// actually accepted the connection, never on the bare receipt of the
	// client's Connect frame: a client that never gets this far must not
	// be able to evict an existing live session for the same uuid, per
	// spec.md §4.2 steps 1 and 4.
	if previous := e.store.ForceRegisterUUID(id, e.sess); previous != nil && previous != e.sess {
		e.log.Info("kicking existing session for same player", zap.Stringer("uuid", id))
		previous.MarkKicked()
		previous.CloseBackend()
		previous.CloseClient()
	}

	e.hookSet.CallServerConnected(context.Background(), e.sess.ID, e.sess.CurrentBackend(), "")

	if err := e.sess.SetState(session.Connected); err != nil {
		return err
	}
	e.hookSet.CallPostLogin(context.Background(), e.sess.ID)
	return nil
}

// chooseBackend resolves the destination backend for the initial dial: a
// referral embedded in the client's Connect frame takes priority (the
// client-side transfer path re-joining after a ClientReferral), falling
// back to the configured default, per spec.md §4.2 step 3 and §4.9.
func (e *Engine) chooseBackend() (string, error) {
	if raw := e.sess.ReferralBlob(); len(raw) > 0 {
		if info, err := e.signer.DecodePlayerReferral(raw); err == nil && info.Backend != "" {
			if _, ok := e.backends.Get(info.Backend); ok {
				return info.Backend, nil
			}
		}
	}
	if def, ok := e.backends.Default(); ok {
		return def.Name, nil
	}
	return "", ErrNoBackendAvailable
}

// dialAndAwaitAccept opens the backend connection/stream, publishes it onto
// the session, and blocks for the backend's ConnectAccept (or Disconnect)
// before returning.
func (e *Engine) dialAndAwaitAccept(ctx context.Context, backendName string) error {
	verdict := e.hookSet.CallPreConnect(ctx, e.sess.ID, hooks.BackendCandidate{Name: backendName})
	if !verdict.Allow {
		reason := verdict.Reason
		if reason == "" {
			reason = "connection refused"
		}
		return fmt.Errorf("%w: pre-connect hook denied %q: %s", errs.ErrPolicyLimitReached, backendName, reason)
	}
	if verdict.Redirect != "" {
		backendName = verdict.Redirect
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, stream, dec, enc, err := e.dialer.DialPlayer(dialCtx, backendName, e.sess)
	if err != nil {
		return fmt.Errorf("proxy: dial backend %q: %w", backendName, err)
	}

	e.sess.SetCurrentBackend(backendName)
	e.sess.SetBackendTransport(closeConn(conn, 0, ""), stream)
	e.setBackendCodec(dec, enc)

	pkt, err := readWithTimeout(dec, handshakeTimeout)
	if err != nil {
		e.sess.CloseBackend()
		e.setBackendCodec(nil, nil)
		return fmt.Errorf("proxy: waiting for backend accept: %w", err)
	}
	switch f := pkt.Frame.(type) {
	case frame.ConnectAccept:
		return nil
	case frame.Disconnect:
		e.sess.CloseBackend()
		e.setBackendCodec(nil, nil)
		return fmt.Errorf("proxy: backend refused connection: %s", f.Reason)
	default:
		e.sess.CloseBackend()
		e.setBackendCodec(nil, nil)
		return fmt.Errorf("%w: expected ConnectAccept", errs.ErrProtocolViolation)
	}
}

// readWithTimeout performs one blocking ReadPacket bounded by timeout. It is
// used for the backend handshake reply, where (unlike the steady-state
// pumps) the engine itself is waiting synchronously rather than dispatching
// through cmds.
func readWithTimeout(dec *frame.Decoder, timeout time.Duration) (*frame.PacketContext, error) {
	type result struct {
		pkt *frame.PacketContext
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pkt, err := dec.ReadPacket()
		ch <- result{pkt, err}
	}()
	select {
	case r := <-ch:
		return r.pkt, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for backend frame")
	}
}
