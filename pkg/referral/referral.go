// Package referral produces and validates the HMAC-signed binary blobs that
// carry player identity and destination backend across the proxy-to-backend
// boundary, letting a backend accept a player without re-checking the
// external session service on every hop.
package referral

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/numdrassl/proxy/pkg/errs"
)

// controlMarker is the literal first field of a control-connection referral,
// disambiguating it from a player-info referral.
const controlMarker = "NUMDRASSL_CONTROL"

// hmacSize is the length in bytes of the trailing HMAC-SHA256 tag.
const hmacSize = sha256.Size

// staleWindow is the maximum age (in either direction) a timestamp embedded
// in a referral may have before it is rejected.
const staleWindow = 5 * time.Minute

// Signer signs and verifies referral blobs using a single shared secret
// known to the proxy and to every backend it forwards to.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer using secret for HMAC-SHA256 tagging. The
// secret is not copied defensively by callers; it is treated as immutable
// for the Signer's lifetime.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// PlayerInfo describes a referral for a specific connecting player.
type PlayerInfo struct {
	UUID       uuid.UUID
	Username   string
	Backend    string
	ClientAddr string
}

// SignPlayer produces a referral blob for info: the uuid, username, backend
// name and client address each length-prefixed, followed by the HMAC over
// all preceding bytes.
func (s *Signer) SignPlayer(info PlayerInfo) []byte {
	var body []byte
	body = appendLenPrefixed(body, info.UUID[:])
	body = appendLenPrefixed(body, []byte(info.Username))
	body = appendLenPrefixed(body, []byte(info.Backend))
	body = appendLenPrefixed(body, []byte(info.ClientAddr))
	return appendHMAC(body, s.secret)
}

// VerifyPlayer validates a player-info referral blob against the uuid,
// username and backend name the verifying side already knows, e.g. from the
// QUIC handshake identity and the receiving backend's own configured name.
func (s *Signer) VerifyPlayer(blob []byte, wantUUID uuid.UUID, wantUsername, wantBackend string) (PlayerInfo, error) {
	info, err := s.DecodePlayerReferral(blob)
	if err != nil {
		return info, err
	}
	if info.UUID != wantUUID || info.Username != wantUsername || info.Backend != wantBackend {
		return info, errs.ErrIdentityMismatch
	}
	return info, nil
}

// DecodePlayerReferral checks blob's HMAC and returns the embedded
// PlayerInfo without matching it against any caller-known identity. The
// proxy uses this on an inbound Connect frame's referral data to learn which
// backend a client-side transfer (spec.md §4.9's ClientReferral path) is
// destined for, before the destination backend name is otherwise known.
func (s *Signer) DecodePlayerReferral(blob []byte) (PlayerInfo, error) {
	body, err := verifyHMAC(blob, s.secret)
	if err != nil {
		return PlayerInfo{}, err
	}

	rest := body
	uuidBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("%w: %s", errs.ErrProtocolViolation, err)
	}
	usernameBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("%w: %s", errs.ErrProtocolViolation, err)
	}
	backendBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("%w: %s", errs.ErrProtocolViolation, err)
	}
	clientAddrBytes, _, err := readLenPrefixed(rest)
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("%w: %s", errs.ErrProtocolViolation, err)
	}

	if len(uuidBytes) != 16 {
		return PlayerInfo{}, fmt.Errorf("%w: uuid length %d", errs.ErrProtocolViolation, len(uuidBytes))
	}
	var gotUUID uuid.UUID
	copy(gotUUID[:], uuidBytes)

	return PlayerInfo{
		UUID:       gotUUID,
		Username:   string(usernameBytes),
		Backend:    string(backendBytes),
		ClientAddr: string(clientAddrBytes),
	}, nil
}

// SignControl produces a referral blob for the backend control connection
// handshake, carrying a millisecond timestamp and the target backend name.
func (s *Signer) SignControl(backend string, now time.Time) []byte {
	var body []byte
	body = appendLenPrefixed(body, []byte(controlMarker))
	body = appendInt64(body, now.UnixMilli())
	body = appendLenPrefixed(body, []byte(backend))
	return appendHMAC(body, s.secret)
}

// VerifyControl validates a control-connection referral, checking the HMAC
// and that the embedded timestamp falls within the stale-referral window of
// now, and that the embedded backend name matches wantBackend.
func (s *Signer) VerifyControl(blob []byte, wantBackend string, now time.Time) error {
	body, err := verifyHMAC(blob, s.secret)
	if err != nil {
		return err
	}

	marker, rest, err := readLenPrefixed(body)
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrProtocolViolation, err)
	}
	if string(marker) != controlMarker {
		return fmt.Errorf("%w: not a control referral", errs.ErrProtocolViolation)
	}

	if len(rest) < 8 {
		return fmt.Errorf("%w: truncated timestamp", errs.ErrProtocolViolation)
	}
	ms := int64(binary.BigEndian.Uint64(rest[:8]))
	rest = rest[8:]
	ts := time.UnixMilli(ms)
	if ts.Before(now.Add(-staleWindow)) || ts.After(now.Add(staleWindow)) {
		return errs.ErrStaleReferral
	}

	backend, _, err := readLenPrefixed(rest)
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrProtocolViolation, err)
	}
	if string(backend) != wantBackend {
		return errs.ErrIdentityMismatch
	}
	return nil
}

func appendLenPrefixed(dst []byte, b []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, b...)
	return dst
}

func appendInt64(dst []byte, v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return append(dst, buf[:]...)
}

func readLenPrefixed(b []byte) (field []byte, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < n {
		return nil, nil, errors.New("truncated field")
	}
	return b[:n], b[n:], nil
}

func appendHMAC(body []byte, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(body)
}

// verifyHMAC checks the trailing HMAC-SHA256 tag on blob and returns the
// preceding body bytes on success.
func verifyHMAC(blob []byte, secret []byte) ([]byte, error) {
	if len(blob) < hmacSize {
		return nil, fmt.Errorf("%w: blob too short", errs.ErrInvalidReferral)
	}
	body := blob[:len(blob)-hmacSize]
	tag := blob[len(blob)-hmacSize:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)
	if !hmac.Equal(want, tag) {
		return nil, errs.ErrInvalidReferral
	}
	return body, nil
}
