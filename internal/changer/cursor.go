package changer

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a read or write would run past the buffer.
var ErrTruncated = errors.New("changer: message truncated")

// writer appends big-endian fields into a fixed buffer. The first overflow
// is sticky; later writes are ignored.
type writer struct {
	buf []byte
	off int
	err error
}

func newWriter(buf []byte) *writer { return &writer{buf: buf} }

func (w *writer) reserve(n int) []byte {
	if w.err != nil {
		return nil
	}
	if n > len(w.buf)-w.off {
		w.err = ErrTruncated
		return nil
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

func (w *writer) uint8(v uint8) {
	if b := w.reserve(1); b != nil {
		b[0] = v
	}
}

func (w *writer) uint16(v uint16) {
	if b := w.reserve(2); b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
}

func (w *writer) uint32(v uint32) {
	if b := w.reserve(4); b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
}

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
	} else {
		w.uint8(0)
	}
}

// string8 writes a string prefixed by a one-byte length.
func (w *writer) string8(s string) {
	if len(s) > 0xff {
		w.err = ErrTruncated
		return
	}
	w.uint8(uint8(len(s)))
	if b := w.reserve(len(s)); b != nil {
		copy(b, s)
	}
}

// string16 writes a string prefixed by a two-byte length.
func (w *writer) string16(s string) {
	if len(s) > 0xffff {
		w.err = ErrTruncated
		return
	}
	w.uint16(uint16(len(s)))
	if b := w.reserve(len(s)); b != nil {
		copy(b, s)
	}
}

func (w *writer) bytes() []byte { return w.buf[:w.off] }

// reader consumes big-endian fields from a buffer with the same sticky
// error behaviour as writer.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf)-r.off {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) bool() bool { return r.uint8() != 0 }

func (r *reader) string8() string {
	n := int(r.uint8())
	return string(r.take(n))
}

func (r *reader) string16() string {
	n := int(r.uint16())
	return string(r.take(n))
}

func (r *reader) remaining() int { return len(r.buf) - r.off }
