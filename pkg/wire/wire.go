// Package wire provides the small length-prefixed binary primitives shared
// by the frame, plugin-message and referral encodings: every field in those
// wire formats is a big-endian length followed by raw bytes, the same shape
// used throughout spec.md's data model.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ErrTruncated is returned when a buffer ends before a length-prefixed field
// can be fully read.
var ErrTruncated = fmt.Errorf("wire: truncated buffer")

// Writer accumulates a length-prefixed binary encoding.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// String writes a u16-length-prefixed UTF-8 string.
func (w *Writer) String(s string) *Writer {
	return w.Bytes16([]byte(s))
}

// Bytes16 writes a u16-length-prefixed byte slice.
func (w *Writer) Bytes16(b []byte) *Writer {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, b...)
	return w
}

// Bytes32 writes a u32-length-prefixed byte slice, used for larger payloads
// such as plugin-message bodies.
func (w *Writer) Bytes32(b []byte) *Writer {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, b...)
	return w
}

// Bool writes a single byte boolean.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w
}

// Uint16 writes a big-endian u16.
func (w *Writer) Uint16(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// Int64 writes a big-endian i64.
func (w *Writer) Int64(v int64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

// UUID writes the 16 raw bytes of id.
func (w *Writer) UUID(id uuid.UUID) *Writer {
	w.buf = append(w.buf, id[:]...)
	return w
}

// Reader consumes a length-prefixed binary encoding produced by Writer.
type Reader struct {
	buf []byte
}

// NewReader wraps b for sequential reads.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining reports whether unread bytes remain.
func (r *Reader) Remaining() bool { return len(r.buf) > 0 }

// String reads a u16-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes16()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes16 reads a u16-length-prefixed byte slice.
func (r *Reader) Bytes16() ([]byte, error) {
	if len(r.buf) < 2 {
		return nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(r.buf[:2]))
	rest := r.buf[2:]
	if len(rest) < n {
		return nil, ErrTruncated
	}
	field := rest[:n]
	r.buf = rest[n:]
	return field, nil
}

// Bytes32 reads a u32-length-prefixed byte slice.
func (r *Reader) Bytes32() ([]byte, error) {
	if len(r.buf) < 4 {
		return nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint32(r.buf[:4]))
	rest := r.buf[4:]
	if len(rest) < n {
		return nil, ErrTruncated
	}
	field := rest[:n]
	r.buf = rest[n:]
	return field, nil
}

// Bool reads a single byte boolean.
func (r *Reader) Bool() (bool, error) {
	if len(r.buf) < 1 {
		return false, ErrTruncated
	}
	v := r.buf[0] != 0
	r.buf = r.buf[1:]
	return v, nil
}

// Uint16 reads a big-endian u16.
func (r *Reader) Uint16() (uint16, error) {
	if len(r.buf) < 2 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[:2])
	r.buf = r.buf[2:]
	return v, nil
}

// Int64 reads a big-endian i64.
func (r *Reader) Int64() (int64, error) {
	if len(r.buf) < 8 {
		return 0, ErrTruncated
	}
	v := int64(binary.BigEndian.Uint64(r.buf[:8]))
	r.buf = r.buf[8:]
	return v, nil
}

// UUID reads 16 raw bytes as a uuid.UUID.
func (r *Reader) UUID() (uuid.UUID, error) {
	if len(r.buf) < 16 {
		return uuid.UUID{}, ErrTruncated
	}
	var id uuid.UUID
	copy(id[:], r.buf[:16])
	r.buf = r.buf[16:]
	return id, nil
}

// CopyAll writes every remaining unread byte in r to dst.
func (r *Reader) CopyAll(dst io.Writer) (int, error) {
	n, err := dst.Write(r.buf)
	r.buf = nil
	return n, err
}
