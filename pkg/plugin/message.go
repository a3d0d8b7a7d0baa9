// Package plugin implements the player-independent plugin-message envelope
// used on the Backend Control Manager's persistent stream, per spec.md §3.
package plugin

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/numdrassl/proxy/pkg/wire"
)

// magic identifies a plugin-message envelope on the control stream.
var magic = [4]byte{'N', 'P', 'L', 'G'}

// Message is an opaque, player-independent control message addressed to a
// named channel.
type Message struct {
	Channel string
	Payload []byte
}

// Encode serializes m as: 4-byte magic, length-prefixed channel, length-
// prefixed payload.
func (m Message) Encode() []byte {
	out := make([]byte, 0, 4+2+len(m.Channel)+4+len(m.Payload))
	out = append(out, magic[:]...)
	out = appendString16(out, m.Channel)
	out = appendBytes32(out, m.Payload)
	return out
}

func appendString16(dst []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, s...)
}

func appendBytes32(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

// ErrBadMagic is returned by Decode when the leading magic bytes don't match.
var ErrBadMagic = fmt.Errorf("plugin: bad magic bytes")

// Decode parses a full plugin-message envelope previously produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < 4 || [4]byte{b[0], b[1], b[2], b[3]} != magic {
		return Message{}, ErrBadMagic
	}
	r := wire.NewReader(b[4:])
	channel, err := r.String()
	if err != nil {
		return Message{}, fmt.Errorf("plugin: channel: %w", err)
	}
	payload, err := r.Bytes32()
	if err != nil {
		return Message{}, fmt.Errorf("plugin: payload: %w", err)
	}
	return Message{Channel: channel, Payload: payload}, nil
}

// WriteTo writes m's encoding to w, prefixed with its own u32 length so the
// reader can frame it on a shared bidirectional stream alongside other
// envelopes.
func WriteTo(w io.Writer, m Message) error {
	enc := m.Encode()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(enc)
	return err
}

// ReadFrom reads one length-prefixed envelope from r and decodes it.
func ReadFrom(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxEnvelope = 1 << 20
	if n > maxEnvelope {
		return Message{}, fmt.Errorf("plugin: envelope too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	return Decode(buf)
}
