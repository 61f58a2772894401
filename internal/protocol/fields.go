package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxStringLen is the largest string field (u16 length prefix).
	MaxStringLen = 1<<16 - 1
	// MaxBytesLen is the largest byte field (u32 length prefix, capped).
	MaxBytesLen = 8 << 20
)

// Writer appends fixed-width big-endian integers and length-prefixed
// fields to a growing buffer. The first oversize field sets a sticky error.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with capacity hint n.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) Uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }
func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

// String writes a u16 length followed by the string bytes.
func (w *Writer) String(s string) {
	if len(s) > MaxStringLen {
		w.fail(fmt.Errorf("string field of %d bytes exceeds %d", len(s), MaxStringLen))
		return
	}
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes writes a u32 length followed by b.
func (w *Writer) Bytes(b []byte) {
	if len(b) > MaxBytesLen {
		w.fail(fmt.Errorf("bytes field of %d bytes exceeds %d", len(b), MaxBytesLen))
		return
	}
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Strings writes a u16 count followed by each string.
func (w *Writer) Strings(ss []string) {
	if len(ss) > MaxStringLen {
		w.fail(fmt.Errorf("string list of %d entries exceeds %d", len(ss), MaxStringLen))
		return
	}
	w.Uint16(uint16(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first encoding error.
func (w *Writer) Err() error { return w.err }

// Data returns the encoded buffer.
func (w *Writer) Data() []byte { return w.buf }

var errTooMany = errors.New("element count exceeds remaining bytes")

// Reader consumes fields written by Writer. Reads past the end set a
// sticky io.ErrUnexpectedEOF and return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) remaining() int { return len(r.buf) - r.off }

func (r *Reader) Uint8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *Reader) Uint32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *Reader) Uint64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) String() string {
	n := int(r.Uint16())
	return string(r.take(n))
}

// Bytes returns a copy of the next byte field.
func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if n > MaxBytesLen {
		if r.err == nil {
			r.err = fmt.Errorf("bytes field of %d bytes exceeds %d", n, MaxBytesLen)
		}
		return nil
	}
	p := r.take(int(n))
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

func (r *Reader) Strings() []string {
	n := int(r.Uint16())
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String())
	}
	return out
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Done returns Err, or an error if unread bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}
