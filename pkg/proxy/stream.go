package proxy

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	quic "github.com/quic-go/quic-go"
)

// connCloser adapts a quic.Connection's CloseWithError to the session
// package's narrow Closer (Close() error) interface.
type connCloser struct {
	conn quic.Connection
	code quic.ApplicationErrorCode
	msg  string
}

func closeConn(conn quic.Connection, code quic.ApplicationErrorCode, msg string) connCloser {
	return connCloser{conn: conn, code: code, msg: msg}
}

func (c connCloser) Close() error {
	return c.conn.CloseWithError(c.code, c.msg)
}

// clientCertFingerprint returns the SHA-256 digest of the peer's leaf
// certificate from a completed QUIC/TLS handshake, per spec.md §3's
// client_cert_fingerprint field. ok is false if no client certificate was
// presented (mutual TLS is required by the listener's tls.Config, so this
// should not happen for an accepted connection).
func clientCertFingerprint(conn quic.Connection) (fp [32]byte, ok bool) {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return fp, false
	}
	return sha256.Sum256(state.PeerCertificates[0].Raw), true
}

// negotiatedALPN returns the ALPN token the handshake settled on. Nothing
// in this package calls it; the TLS layer's NextProtos already limits the
// token a connection can negotiate.
func negotiatedALPN(conn quic.Connection) string {
	return conn.ConnectionState().TLS.NegotiatedProtocol
}

// describeCert is a small debug helper that formats a certificate's
// subject; nothing in this package calls it, and it plays no part in any
// authentication decision.
func describeCert(cert *x509.Certificate) string {
	if cert == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s", cert.Subject)
}
