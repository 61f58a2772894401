// Package session runs the request/response protocol over one transport
// connection.  A Session performs the Hello/Welcome handshake, assigns
// request ids, serializes control writes and routes every incoming frame
// to the Stream of the request it belongs to.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/internal/protocol"
	"inapi/internal/transport"
	"inapi/util"
)

// Executor issues requests against one host.  It is implemented by
// *Session and by host.Host, and accepted by every operation package.
type Executor interface {
	// Execute sends op with its encoded args and returns the response
	// stream.  The deadline of ctx bounds the whole request.
	Execute(ctx context.Context, op protocol.Op, args []byte) (*Stream, error)
	// SendChunk writes one frame on the bulk channel.
	SendChunk(c *protocol.Chunk) error
}

// Options configures Open.
type Options struct {
	// Client identifies this side in the Hello frame.
	Client string
	// Token is the bearer token presented to the agent, if any.
	Token string
	// HandshakeTimeout bounds the Hello/Welcome exchange when ctx has no
	// earlier deadline (default 10s).
	HandshakeTimeout time.Duration

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Session is one live protocol session with an agent.  It is safe for
// concurrent use.
type Session struct {
	conn    *transport.Conn
	id      string
	agent   string
	logger  *util.Logger
	metrics *metrics.Collector

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*Stream
	closed  bool
	cause   error

	done chan struct{}
}

// Open performs the handshake on conn and starts the demultiplexer.  On
// failure conn is closed.
func Open(ctx context.Context, conn *transport.Conn, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fr := protocol.NewFrameReader(conn.Control())
	welcome, err := handshake(hctx, conn, fr, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		conn:    conn,
		id:      welcome.SessionID,
		agent:   welcome.Agent,
		logger:  logger.Named("session"),
		metrics: opts.Metrics,
		pending: make(map[uint64]*Stream),
		done:    make(chan struct{}),
	}
	s.metrics.SessionOpened()
	s.logger.Verbose("session %s open with %s (agent %s)", s.id, conn.Addr(), s.agent)

	go s.demux(fr)
	return s, nil
}

func handshake(ctx context.Context, conn *transport.Conn, fr *protocol.FrameReader, opts Options) (*protocol.Welcome, error) {
	stop := context.AfterFunc(ctx, func() { conn.Lost(ctx.Err()) })
	defer stop()

	frame, err := protocol.Encode(&protocol.Hello{Version: protocol.Version, Client: opts.Client, Token: opts.Token})
	if err != nil {
		return nil, err
	}
	if err := conn.Control().Send(frame); err != nil {
		return nil, handshakeErr(ctx, conn, err)
	}

	msg, err := fr.ReadMessage()
	if err != nil {
		return nil, handshakeErr(ctx, conn, err)
	}
	switch m := msg.(type) {
	case *protocol.Welcome:
		if m.Version != protocol.Version {
			return nil, &inerrors.ProtocolError{
				Op:    "handshake",
				Err:   fmt.Errorf("agent speaks version %d, want %d", m.Version, protocol.Version),
				Fatal: true,
			}
		}
		return m, nil
	case *protocol.Error:
		return nil, m.Err()
	default:
		return nil, &inerrors.ProtocolError{
			Op:    "handshake",
			Err:   fmt.Errorf("unexpected %s frame", msg.Tag()),
			Fatal: true,
		}
	}
}

func handshakeErr(ctx context.Context, conn *transport.Conn, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("handshake with %s: %w (%w)", conn.Addr(), inerrors.ErrTimeout, ctx.Err())
	}
	return inerrors.Wrap("handshake", conn.Addr(), err)
}

// ID returns the agent-assigned session id.
func (s *Session) ID() string { return s.id }

// Agent returns the agent's self-description from Welcome.
func (s *Session) Agent() string { return s.agent }

// Addr returns the remote address.
func (s *Session) Addr() string { return s.conn.Addr() }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended: nil while open, a
// *errors.SessionClosedError afterwards.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return inerrors.Closed(s.cause)
}

// Pending returns the number of requests awaiting a terminal frame.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Execute implements Executor.  Once the request is sent, the only ways
// the returned Stream ends are its terminal frame, expiry of ctx or the
// session closing.  Cancelling ctx abandons the request locally; the
// agent may still complete it.
func (s *Session) Execute(ctx context.Context, op protocol.Op, args []byte) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, abandonedErr(op, 0, err)
	}
	id := s.nextID.Add(1)
	st := newStream(s, id, op)

	s.mu.Lock()
	if s.closed {
		cause := s.cause
		s.mu.Unlock()
		return nil, inerrors.Closed(cause)
	}
	s.pending[id] = st
	s.mu.Unlock()

	frame, err := protocol.Encode(&protocol.Request{ID: id, Op: op, Args: args})
	if err != nil {
		s.remove(id)
		return nil, err
	}

	s.metrics.RequestStarted()
	s.logger.Debug("-> %s #%d (%d bytes)", op, id, len(args))
	if err := s.conn.Control().Send(frame); err != nil {
		// A failed write leaves the control stream unusable.
		s.shutdown(err)
		return nil, inerrors.Closed(err)
	}

	st.watch(ctx)
	return st, nil
}

// SendChunk implements Executor.
func (s *Session) SendChunk(c *protocol.Chunk) error {
	s.mu.Lock()
	if s.closed {
		cause := s.cause
		s.mu.Unlock()
		return inerrors.Closed(cause)
	}
	s.mu.Unlock()

	frame, err := protocol.Encode(c)
	if err != nil {
		return err
	}
	return s.conn.Bulk().Send(frame)
}

// Close ends the session.  Every pending stream fails with
// SessionClosed.  Close is idempotent.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// ── demultiplexer ────────────────────────────────────────────────────

func (s *Session) demux(fr *protocol.FrameReader) {
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			var unknown *inerrors.UnknownMessageError
			var perr *inerrors.ProtocolError
			switch {
			case inerrors.As(err, &unknown):
				s.logger.Warn("skipping %v", err)
				continue
			case inerrors.As(err, &perr) && !perr.Fatal:
				s.logger.Warn("%v", err)
				s.fail(perr.RequestID, err)
				continue
			}
			s.shutdown(s.readErr(err))
			return
		}
		s.route(msg)
	}
}

func (s *Session) readErr(err error) error {
	if cause := s.conn.Err(); cause != nil {
		return cause
	}
	var perr *inerrors.ProtocolError
	if inerrors.As(err, &perr) {
		return err
	}
	return &inerrors.NetworkError{Op: "read", Addr: s.conn.Addr(), Err: err}
}

func (s *Session) route(msg protocol.Message) {
	id := msg.RequestID()
	s.mu.Lock()
	st := s.pending[id]
	s.mu.Unlock()

	if st == nil {
		s.logger.Debug("dropping late %s frame for request %d", msg.Tag(), id)
		return
	}

	switch m := msg.(type) {
	case *protocol.Output:
		st.push(item{frame: Frame{Stream: m.Stream, Data: m.Data}})
	case *protocol.Result:
		st.finish(item{frame: Frame{Data: m.Body, Final: true}})
	case *protocol.Error:
		st.finish(item{err: m.Err()})
	default:
		s.logger.Warn("unexpected %s frame for request %d", msg.Tag(), id)
	}
}

// fail ends request id with err, if it is still pending.
func (s *Session) fail(id uint64, err error) {
	s.mu.Lock()
	st := s.pending[id]
	s.mu.Unlock()
	if st != nil {
		st.finish(item{err: err})
	}
}

func (s *Session) remove(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// shutdown closes the session once.  cause is nil for a local Close.
func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cause = cause
	pending := s.pending
	s.pending = make(map[uint64]*Stream)
	s.mu.Unlock()

	if cause != nil {
		s.conn.Lost(cause)
		s.logger.Warn("session %s lost: %v", s.id, cause)
	} else {
		s.conn.Close()
		s.logger.Verbose("session %s closed", s.id)
	}

	closedErr := inerrors.Closed(cause)
	for _, st := range pending {
		st.finish(item{err: closedErr})
	}
	s.metrics.SessionClosed()
	close(s.done)
}

func abandonedErr(op protocol.Op, id uint64, cause error) error {
	if inerrors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%s request %d: %w (%w)", op, id, inerrors.ErrTimeout, cause)
	}
	return fmt.Errorf("%s request %d: %w", op, id, cause)
}
