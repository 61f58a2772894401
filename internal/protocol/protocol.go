// Package protocol implements the framed binary wire format spoken between
// a host session and the remote agent.
//
// Every frame has the layout:
//
//	┌──────────────┬─────────┬────────────────┬──────────────┐
//	│ Length (u32) │ Tag (1) │ RequestID (u64)│ Body ...     │
//	└──────────────┴─────────┴────────────────┴──────────────┘
//
// Length counts the bytes that follow it. All integers are big-endian and
// fixed width; strings carry a u16 length prefix and byte fields a u32
// length prefix.
package protocol

import (
	"fmt"

	inerrors "inapi/internal/errors"
)

// Version is the protocol version announced in Hello and Welcome.
const Version uint16 = 1

const (
	// HeaderSize is the fixed prefix of every frame: length, tag, request id.
	HeaderSize = 4 + 1 + 8
	// MaxFrameSize bounds the Length field.
	MaxFrameSize = 16 << 20
)

// Tag identifies the message variant of a frame.
type Tag uint8

const (
	TagHello   Tag = 0x01
	TagWelcome Tag = 0x02
	TagRequest Tag = 0x10
	TagOutput  Tag = 0x11
	TagResult  Tag = 0x12
	TagError   Tag = 0x13
	TagChunk   Tag = 0x20
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "Hello"
	case TagWelcome:
		return "Welcome"
	case TagRequest:
		return "Request"
	case TagOutput:
		return "Output"
	case TagResult:
		return "Result"
	case TagError:
		return "Error"
	case TagChunk:
		return "Chunk"
	default:
		return fmt.Sprintf("Tag(0x%02x)", uint8(t))
	}
}

// Terminal reports whether a frame with this tag ends a request.
func (t Tag) Terminal() bool { return t == TagResult || t == TagError }

// StreamKind labels an Output frame.
type StreamKind uint8

const (
	StreamStdout StreamKind = iota + 1
	StreamStderr
	StreamProgress
	StreamResume
)

func (k StreamKind) String() string {
	switch k {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	case StreamProgress:
		return "progress"
	case StreamResume:
		return "resume"
	default:
		return fmt.Sprintf("stream(%d)", uint8(k))
	}
}

// Message is implemented by every frame variant.
type Message interface {
	Tag() Tag
	RequestID() uint64
	encodeBody(w *Writer)
	decodeBody(r *Reader)
}

// ── Handshake ────────────────────────────────────────────────────────

// Hello is the first frame a client sends on the control channel.
type Hello struct {
	Version uint16
	Client  string
	Token   string
}

func (*Hello) Tag() Tag { return TagHello }
func (*Hello) RequestID() uint64 { return 0 }
func (m *Hello) encodeBody(w *Writer) {
	w.Uint16(m.Version)
	w.String(m.Client)
	w.String(m.Token)
}
func (m *Hello) decodeBody(r *Reader) {
	m.Version = r.Uint16()
	m.Client = r.String()
	m.Token = r.String()
}

// Welcome acknowledges Hello and carries the agent-assigned session id.
type Welcome struct {
	Version   uint16
	SessionID string
	Agent     string
}

func (*Welcome) Tag() Tag { return TagWelcome }
func (*Welcome) RequestID() uint64 { return 0 }
func (m *Welcome) encodeBody(w *Writer) {
	w.Uint16(m.Version)
	w.String(m.SessionID)
	w.String(m.Agent)
}
func (m *Welcome) decodeBody(r *Reader) {
	m.Version = r.Uint16()
	m.SessionID = r.String()
	m.Agent = r.String()
}

// ── Requests and responses ───────────────────────────────────────────

// Request invokes one operation. Args is the op-specific body.
type Request struct {
	ID   uint64
	Op   Op
	Args []byte
}

func (*Request) Tag() Tag { return TagRequest }
func (m *Request) RequestID() uint64 { return m.ID }
func (m *Request) encodeBody(w *Writer) {
	w.Uint16(uint16(m.Op))
	w.Bytes(m.Args)
}
func (m *Request) decodeBody(r *Reader) {
	m.Op = Op(r.Uint16())
	m.Args = r.Bytes()
}

// Output is an intermediate frame of a long-running request.
type Output struct {
	ID     uint64
	Stream StreamKind
	Data   []byte
}

func (*Output) Tag() Tag { return TagOutput }
func (m *Output) RequestID() uint64 { return m.ID }
func (m *Output) encodeBody(w *Writer) {
	w.Uint8(uint8(m.Stream))
	w.Bytes(m.Data)
}
func (m *Output) decodeBody(r *Reader) {
	m.Stream = StreamKind(r.Uint8())
	m.Data = r.Bytes()
}

// Result is the successful terminal frame.
type Result struct {
	ID   uint64
	Body []byte
}

func (*Result) Tag() Tag { return TagResult }
func (m *Result) RequestID() uint64 { return m.ID }
func (m *Result) encodeBody(w *Writer) { w.Bytes(m.Body) }
func (m *Result) decodeBody(r *Reader) { m.Body = r.Bytes() }

// Error is the failed terminal frame. ID 0 refers to the session itself
// (for example a rejected Hello).
type Error struct {
	ID      uint64
	Code    inerrors.Code
	Message string
	Detail  string
	State   RunState // state the target was left in; RunUnknown if not reported
}

func (*Error) Tag() Tag { return TagError }
func (m *Error) RequestID() uint64 { return m.ID }
func (m *Error) encodeBody(w *Writer) {
	w.Uint16(uint16(m.Code))
	w.String(m.Message)
	w.String(m.Detail)
	w.Uint8(uint8(m.State))
}
func (m *Error) decodeBody(r *Reader) {
	m.Code = inerrors.Code(r.Uint16())
	m.Message = r.String()
	m.Detail = r.String()
	m.State = RunState(r.Uint8())
}

// Err converts the frame into a *errors.DomainError.
func (m *Error) Err() error {
	if m.Code == inerrors.CodeUnauthenticated {
		return &inerrors.AuthError{Err: inerrors.New(m.Message)}
	}
	return &inerrors.DomainError{Code: m.Code, Message: m.Message, Detail: m.Detail, State: uint8(m.State)}
}

// ErrorFrom builds an Error frame for request id from err.
func ErrorFrom(id uint64, err error) *Error {
	var de *inerrors.DomainError
	if inerrors.As(err, &de) {
		return &Error{ID: id, Code: de.Code, Message: de.Message, Detail: de.Detail, State: RunState(de.State)}
	}
	return &Error{ID: id, Code: inerrors.CodeOf(err), Message: err.Error()}
}

// ── Bulk channel ─────────────────────────────────────────────────────

// ChunkCompressed marks a chunk whose Data is zstd-compressed.
const ChunkCompressed uint8 = 1 << 0

// Chunk carries a slice of one file of an upload. ID is the id of the
// upload request the chunk belongs to. Checksum is the xxhash64 of the
// uncompressed bytes.
type Chunk struct {
	ID       uint64
	File     uint32
	Offset   uint64
	Flags    uint8
	Checksum uint64
	Data     []byte
}

func (*Chunk) Tag() Tag { return TagChunk }
func (m *Chunk) RequestID() uint64 { return m.ID }
func (m *Chunk) encodeBody(w *Writer) {
	w.Uint32(m.File)
	w.Uint64(m.Offset)
	w.Uint8(m.Flags)
	w.Uint64(m.Checksum)
	w.Bytes(m.Data)
}
func (m *Chunk) decodeBody(r *Reader) {
	m.File = r.Uint32()
	m.Offset = r.Uint64()
	m.Flags = r.Uint8()
	m.Checksum = r.Uint64()
	m.Data = r.Bytes()
}

func newMessage(t Tag, id uint64) Message {
	switch t {
	case TagHello:
		return &Hello{}
	case TagWelcome:
		return &Welcome{}
	case TagRequest:
		return &Request{ID: id}
	case TagOutput:
		return &Output{ID: id}
	case TagResult:
		return &Result{ID: id}
	case TagError:
		return &Error{ID: id}
	case TagChunk:
		return &Chunk{ID: id}
	default:
		return nil
	}
}
