package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/control"
	"github.com/numdrassl/proxy/pkg/frame"
	"github.com/numdrassl/proxy/pkg/referral"
	"github.com/numdrassl/proxy/pkg/session"
)

// Dialer is the Backend Dialer (D): it opens a QUIC connection and
// bidirectional stream to a chosen backend, installs the frame codec, and
// writes a rewritten Connect frame carrying a signed player referral, per
// spec.md §4.3.
//
// It also implements control.Dialer, since a control connection is opened
// the same way, just with a different handshake payload written on the
// resulting stream.
type Dialer struct {
	tlsConfig *tls.Config
	alpn      string
	idle      time.Duration
	signer    *referral.Signer
	backends  *ServerRegistry
	log       *zap.Logger
}

// NewDialer creates a Dialer. tlsCert is the same key material the
// Client Listener serves, deliberately reused so backends can pin the
// proxy's certificate fingerprint, per spec.md §4.3.
func NewDialer(tlsCert tls.Certificate, alpn string, idle time.Duration, signer *referral.Signer, backends *ServerRegistry, log *zap.Logger) *Dialer {
	return &Dialer{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			NextProtos:   []string{alpn},
			// Backends pin the proxy's certificate fingerprint rather
			// than relying on a CA chain, per spec.md §4.3.
			InsecureSkipVerify: true,
		},
		alpn:     alpn,
		idle:     idle,
		signer:   signer,
		backends: backends,
		log:      log,
	}
}

// quicConfig returns the generous flow-control settings spec.md §4.3
// requires for backend connections: 10MB connection window, 1MB per
// stream, 100 concurrent bidirectional streams.
func (d *Dialer) quicConfig(bbr bool) *quic.Config {
	cfg := &quic.Config{
		MaxIdleTimeout:                 d.idle,
		MaxIncomingStreams:             100,
		InitialStreamReceiveWindow:     1 << 20,
		InitialConnectionReceiveWindow: 10 << 20,
	}
	// bbr does not change the config: player and control connections
	// both run quic-go's default (currently Cubic-like) congestion
	// controller, which spec.md §4.3 accepts.
	return cfg
}

// DialPlayer opens a fresh QUIC connection + stream to backendName and
// writes a rewritten Connect frame carrying a signed player referral for
// sess. It returns the open connection, stream, and a frame.Decoder/Encoder
// pair ready for the session state machine to drive.
func (d *Dialer) DialPlayer(ctx context.Context, backendName string, sess *session.Session) (quic.Connection, quic.Stream, *frame.Decoder, *frame.Encoder, error) {
	rs, ok := d.backends.Get(backendName)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("proxy: unknown backend %q", backendName)
	}

	conn, err := quic.DialAddr(ctx, rs.Backend.Addr(), d.tlsConfig, d.quicConfig(false))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("proxy: dial backend %q: %w", backendName, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, nil, nil, nil, fmt.Errorf("proxy: open stream to %q: %w", backendName, err)
	}

	id, username, fingerprint, identityToken := sess.Identity()
	referralBlob := d.signer.SignPlayer(referral.PlayerInfo{
		UUID:       id,
		Username:   username,
		Backend:    backendName,
		ClientAddr: sess.ClientAddr,
	})

	connectFrame := frame.Connect{
		UUID:                id,
		Username:            username,
		ProtocolFingerprint: fingerprint,
		IdentityToken:       identityToken,
		ReferralData:        referralBlob,
	}

	dec := frame.NewDecoder(stream)
	enc := frame.NewEncoder(stream)
	if err := enc.WriteFrame(connectFrame); err != nil {
		_ = stream.Close()
		_ = conn.CloseWithError(0, "connect frame write failed")
		return nil, nil, nil, nil, fmt.Errorf("proxy: write connect frame to %q: %w", backendName, err)
	}

	return conn, stream, dec, enc, nil
}

// DialControl implements control.Dialer: it opens a connection and stream
// to backendName for the long-lived, low-traffic control channel, with the
// same QUIC settings as a player connection, per spec.md §4.3 and §4.8.
func (d *Dialer) DialControl(ctx context.Context, backendName string) (control.Transport, control.Stream, error) {
	rs, ok := d.backends.Get(backendName)
	if !ok {
		return nil, nil, fmt.Errorf("proxy: unknown backend %q", backendName)
	}
	conn, err := quic.DialAddr(ctx, rs.Backend.Addr(), d.tlsConfig, d.quicConfig(true))
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: dial control backend %q: %w", backendName, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "control stream open failed")
		return nil, nil, fmt.Errorf("proxy: open control stream to %q: %w", backendName, err)
	}
	return quicConnTransport{conn}, stream, nil
}

// quicConnTransport adapts quic.Connection to the narrow control.Transport
// (io.Closer) interface so pkg/control never imports quic-go directly.
type quicConnTransport struct{ conn quic.Connection }

func (t quicConnTransport) Close() error { return t.conn.CloseWithError(0, "") }
