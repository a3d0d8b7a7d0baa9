package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single named-frame payload to guard against a
// malformed peer forcing an unbounded allocation.
const maxFrameSize = 1 << 20

// Encoder writes named frames and opaque passthrough buffers onto a stream,
// mirroring the decoder/encoder split of go.minekube.com/gate's
// pkg/proto/codec, generalized to this proxy's small frame set.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for sequential frame writes.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteFrame writes a named frame: a one-byte type tag, a u32 big-endian
// payload length, then the payload.
func (e *Encoder) WriteFrame(f Frame) error {
	payload := f.Encode()
	var header [5]byte
	header[0] = byte(f.Type())
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := e.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteRaw writes an opaque, already-framed application-protocol buffer
// verbatim: used once a session is CONNECTED and a buffer did not decode as
// a named frame.
func (e *Encoder) WriteRaw(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads named frames and opaque buffers from a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for sequential frame reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// PacketContext is a decoded unit: either a known Frame, or raw bytes that
// were not recognized as one of the named frame types.
type PacketContext struct {
	Frame Frame   // nil if not a known frame
	Raw   []byte  // the full raw bytes read, always populated
}

// ReadPacket reads the next frame from the stream. Because the application
// protocol beyond the named frames is out of scope and opaque, ReadPacket
// trusts the same [type][length][payload] framing for every message on the
// stream; the Session State Machine is responsible for forwarding payloads
// it doesn't recognize as one of the named types once CONNECTED.
func (d *Decoder) ReadPacket() (*PacketContext, error) {
	var header [5]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return nil, err
	}
	t := Type(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame payload too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, err
	}

	raw := make([]byte, 5+len(payload))
	copy(raw, header[:])
	copy(raw[5:], payload)

	f, err := Decode(t, payload)
	if err != nil {
		if t >= TypeConnect && t <= TypeChat {
			// A named frame whose payload does not decode is malformed.
			return nil, err
		}
		// Unknown frame type: treat as opaque passthrough rather than a
		// hard protocol error, so unrecognized application-protocol
		// frames still flow once the session is CONNECTED.
		return &PacketContext{Raw: raw}, nil
	}
	return &PacketContext{Frame: f, Raw: raw}, nil
}
