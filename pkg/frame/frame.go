// Package frame implements the small set of named frames the proxy core
// intercepts on an otherwise opaque application-protocol stream, per
// spec.md §6.1. Frames of any other type are read with the same framing by
// Decoder.ReadPacket and handed back undecoded, for verbatim forwarding.
package frame

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/numdrassl/proxy/pkg/errs"
	"github.com/numdrassl/proxy/pkg/wire"
)

// Type identifies a named frame on the wire. Any byte not in this set is an
// opaque application-protocol frame, forwarded without decoding.
type Type byte

const (
	TypeConnect Type = iota + 1
	TypeAuthGrant
	TypeAuthToken
	TypeServerAuthToken
	TypeConnectAccept
	TypeDisconnect
	TypeClientReferral
	TypeChat
)

// Frame is implemented by every named frame.
type Frame interface {
	Type() Type
	Encode() []byte
}

// Connect is the client's initial handshake frame, replayed (with a fresh
// referral) on every backend dial and on transfer.
type Connect struct {
	UUID               uuid.UUID
	Username           string
	ProtocolFingerprint []byte
	IdentityToken      []byte
	ReferralData       []byte // empty if absent
}

func (Connect) Type() Type { return TypeConnect }

func (c Connect) Encode() []byte {
	w := wire.NewWriter()
	w.UUID(c.UUID).String(c.Username).Bytes16(c.ProtocolFingerprint).
		Bytes16(c.IdentityToken).Bytes16(c.ReferralData)
	return w.Bytes()
}

func decodeConnect(r *wire.Reader) (Connect, error) {
	var c Connect
	var err error
	if c.UUID, err = r.UUID(); err != nil {
		return c, err
	}
	if c.Username, err = r.String(); err != nil {
		return c, err
	}
	if c.ProtocolFingerprint, err = r.Bytes16(); err != nil {
		return c, err
	}
	if c.IdentityToken, err = r.Bytes16(); err != nil {
		return c, err
	}
	if c.ReferralData, err = r.Bytes16(); err != nil {
		return c, err
	}
	return c, nil
}

// AuthGrant carries the authorization grant and server identity token the
// proxy received from the session service, forwarded to the client.
type AuthGrant struct {
	AuthorizationGrant []byte
	ServerIdentityToken []byte
}

func (AuthGrant) Type() Type { return TypeAuthGrant }

func (a AuthGrant) Encode() []byte {
	w := wire.NewWriter()
	w.Bytes16(a.AuthorizationGrant).Bytes16(a.ServerIdentityToken)
	return w.Bytes()
}

func decodeAuthGrant(r *wire.Reader) (AuthGrant, error) {
	var a AuthGrant
	var err error
	if a.AuthorizationGrant, err = r.Bytes16(); err != nil {
		return a, err
	}
	if a.ServerIdentityToken, err = r.Bytes16(); err != nil {
		return a, err
	}
	return a, nil
}

// AuthToken carries the client's access token and, optionally, a server
// authorization grant to exchange for a server access token.
type AuthToken struct {
	AccessToken             []byte
	ServerAuthorizationGrant []byte // empty if absent
}

func (AuthToken) Type() Type { return TypeAuthToken }

func (a AuthToken) Encode() []byte {
	w := wire.NewWriter()
	w.Bytes16(a.AccessToken).Bytes16(a.ServerAuthorizationGrant)
	return w.Bytes()
}

func decodeAuthToken(r *wire.Reader) (AuthToken, error) {
	var a AuthToken
	var err error
	if a.AccessToken, err = r.Bytes16(); err != nil {
		return a, err
	}
	if a.ServerAuthorizationGrant, err = r.Bytes16(); err != nil {
		return a, err
	}
	return a, nil
}

// ServerAuthToken carries the (possibly null) server access token back to
// the client once the grant exchange has resolved.
type ServerAuthToken struct {
	ServerAccessToken []byte // empty if null
}

func (ServerAuthToken) Type() Type { return TypeServerAuthToken }

func (s ServerAuthToken) Encode() []byte {
	return wire.NewWriter().Bytes16(s.ServerAccessToken).Bytes()
}

func decodeServerAuthToken(r *wire.Reader) (ServerAuthToken, error) {
	var s ServerAuthToken
	var err error
	if s.ServerAccessToken, err = r.Bytes16(); err != nil {
		return s, err
	}
	return s, nil
}

// ConnectAccept is sent by a backend once it accepts a forwarded Connect. It
// carries no fields; its arrival is itself the signal.
type ConnectAccept struct{}

func (ConnectAccept) Type() Type      { return TypeConnectAccept }
func (ConnectAccept) Encode() []byte  { return nil }
func decodeConnectAccept(*wire.Reader) (ConnectAccept, error) { return ConnectAccept{}, nil }

// Disconnect carries a human-readable reason, sent by either side to signal
// an intentional close.
type Disconnect struct {
	Reason string
}

func (Disconnect) Type() Type { return TypeDisconnect }

func (d Disconnect) Encode() []byte {
	return wire.NewWriter().String(d.Reason).Bytes()
}

func decodeDisconnect(r *wire.Reader) (Disconnect, error) {
	var d Disconnect
	var err error
	if d.Reason, err = r.String(); err != nil {
		return d, err
	}
	return d, nil
}

// ClientReferral asks the client to reconnect at the proxy's public address
// carrying an embedded, signed destination referral: the client-side
// disconnect/reconnect transfer path.
type ClientReferral struct {
	PublicHost   string
	PublicPort   uint16
	ReferralBlob []byte
}

func (ClientReferral) Type() Type { return TypeClientReferral }

func (c ClientReferral) Encode() []byte {
	w := wire.NewWriter()
	w.String(c.PublicHost).Uint16(c.PublicPort).Bytes16(c.ReferralBlob)
	return w.Bytes()
}

func decodeClientReferral(r *wire.Reader) (ClientReferral, error) {
	var c ClientReferral
	var err error
	if c.PublicHost, err = r.String(); err != nil {
		return c, err
	}
	if c.PublicPort, err = r.Uint16(); err != nil {
		return c, err
	}
	if c.ReferralBlob, err = r.Bytes16(); err != nil {
		return c, err
	}
	return c, nil
}

// Chat is a user-visible message frame, used for transfer notifications
// ("Connecting to arena" / "Failed to connect to arena...").
type Chat struct {
	Message string
}

func (Chat) Type() Type { return TypeChat }

func (c Chat) Encode() []byte {
	return wire.NewWriter().String(c.Message).Bytes()
}

func decodeChat(r *wire.Reader) (Chat, error) {
	var c Chat
	var err error
	if c.Message, err = r.String(); err != nil {
		return c, err
	}
	return c, nil
}

// Decode dispatches payload to the frame decoder for t.
func Decode(t Type, payload []byte) (Frame, error) {
	r := wire.NewReader(payload)
	var (
		f   Frame
		err error
	)
	switch t {
	case TypeConnect:
		f, err = wrap(decodeConnect(r))
	case TypeAuthGrant:
		f, err = wrap(decodeAuthGrant(r))
	case TypeAuthToken:
		f, err = wrap(decodeAuthToken(r))
	case TypeServerAuthToken:
		f, err = wrap(decodeServerAuthToken(r))
	case TypeConnectAccept:
		f, err = wrap(decodeConnectAccept(r))
	case TypeDisconnect:
		f, err = wrap(decodeDisconnect(r))
	case TypeClientReferral:
		f, err = wrap(decodeClientReferral(r))
	case TypeChat:
		f, err = wrap(decodeChat(r))
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", errs.ErrProtocolViolation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame %d: %s", errs.ErrProtocolViolation, t, err)
	}
	return f, nil
}

// wrap adapts a (concrete-frame, error) pair into a (Frame, error) pair
// without each decode* function needing to know about the interface.
func wrap[T Frame](f T, err error) (Frame, error) {
	return f, err
}
