package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	inerrors "inapi/internal/errors"
)

// ── Encoding ─────────────────────────────────────────────────────────

// Encode serializes m into a complete frame.
func Encode(m Message) ([]byte, error) {
	w := NewWriter(HeaderSize + 64)
	w.Uint32(0) // length, patched below
	w.Uint8(uint8(m.Tag()))
	w.Uint64(m.RequestID())
	m.encodeBody(w)
	if err := w.Err(); err != nil {
		return nil, &inerrors.ProtocolError{Op: "encode " + m.Tag().String(), RequestID: m.RequestID(), Err: err}
	}
	b := w.Data()
	n := len(b) - 4
	if n > MaxFrameSize {
		return nil, &inerrors.ProtocolError{
			Op:        "encode " + m.Tag().String(),
			RequestID: m.RequestID(),
			Err:       fmt.Errorf("frame of %d bytes exceeds %d", n, MaxFrameSize),
		}
	}
	binary.BigEndian.PutUint32(b[0:4], uint32(n))
	return b, nil
}

// Marshal encodes a body value with its Encode method.
func Marshal(v interface{ Encode(*Writer) }) ([]byte, error) {
	w := NewWriter(64)
	v.Encode(w)
	if err := w.Err(); err != nil {
		return nil, inerrors.Invalid("args", "%v", err)
	}
	return w.Data(), nil
}

// Unmarshal decodes b into v and rejects trailing bytes.
func Unmarshal(b []byte, v interface{ Decode(*Reader) }) error {
	r := NewReader(b)
	v.Decode(r)
	if err := r.Done(); err != nil {
		return &inerrors.ProtocolError{Op: fmt.Sprintf("decode %T", v), Err: err}
	}
	return nil
}

// ── Decoding ─────────────────────────────────────────────────────────

// Decoder reassembles frames from an arbitrarily split byte stream.
// It is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer. p may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next returns the next complete message. It returns (nil, nil) when more
// bytes are needed. An *errors.UnknownMessageError or a non-fatal
// *errors.ProtocolError means that frame was skipped and decoding may
// continue; a fatal ProtocolError is sticky.
func (d *Decoder) Next() (Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	avail := d.buf[d.off:]
	if len(avail) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(avail)
	if n < HeaderSize-4 || n > MaxFrameSize {
		d.err = &inerrors.ProtocolError{
			Op:    "decode",
			Err:   fmt.Errorf("invalid frame length %d", n),
			Fatal: true,
		}
		return nil, d.err
	}
	if uint32(len(avail)-4) < n {
		return nil, nil
	}
	frame := avail[4 : 4+n]
	d.off += 4 + int(n)

	tag := Tag(frame[0])
	id := binary.BigEndian.Uint64(frame[1:9])
	m := newMessage(tag, id)
	if m == nil {
		return nil, &inerrors.UnknownMessageError{Tag: uint8(tag), RequestID: id}
	}
	r := NewReader(frame[9:])
	m.decodeBody(r)
	if err := r.Done(); err != nil {
		return nil, &inerrors.ProtocolError{Op: "decode " + tag.String(), RequestID: id, Err: err}
	}
	return m, nil
}

// FrameReader pulls messages from an io.Reader.
type FrameReader struct {
	r   io.Reader
	dec *Decoder
	buf []byte
}

// NewFrameReader returns a FrameReader reading from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, dec: NewDecoder(), buf: make([]byte, 32*1024)}
}

// ReadMessage blocks until a full message is available. Read errors are
// returned as-is; io.EOF in the middle of a frame becomes
// io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadMessage() (Message, error) {
	for {
		m, err := fr.dec.Next()
		if m != nil || err != nil {
			return m, err
		}
		n, rerr := fr.r.Read(fr.buf)
		if n > 0 {
			fr.dec.Feed(fr.buf[:n])
		}
		if rerr != nil {
			if n > 0 {
				// drain what we just fed before surfacing the error
				if m, err := fr.dec.Next(); m != nil || err != nil {
					return m, err
				}
			}
			if rerr == io.EOF && fr.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
