package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/transport"
)

// conn is one session on the agent side.
type conn struct {
	agent  *Agent
	tc     *transport.Conn
	id     string
	client string

	wg sync.WaitGroup

	mu      sync.Mutex
	uploads map[uint64]*transfer // by upload request id
}

func (c *conn) send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.tc.Control().Send(frame)
}

func (c *conn) handshake(fr *protocol.FrameReader) error {
	msg, err := fr.ReadMessage()
	if err != nil {
		return err
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		err := fmt.Errorf("expected hello, got %s", msg.Tag())
		_ = c.send(&protocol.Error{Code: inerrors.CodeInvalidArgument, Message: err.Error()})
		return err
	}
	if hello.Version != protocol.Version {
		err := fmt.Errorf("unsupported protocol version %d", hello.Version)
		_ = c.send(&protocol.Error{Code: inerrors.CodeUnsupported, Message: err.Error()})
		return err
	}
	if c.agent.tokens != nil {
		if _, err := c.agent.tokens.Verify(hello.Token); err != nil {
			_ = c.send(&protocol.Error{Code: inerrors.CodeUnauthenticated, Message: "invalid session token"})
			return &inerrors.AuthError{Host: c.tc.Addr(), Err: err}
		}
	}

	c.id = newSessionID()
	c.client = hello.Client
	return c.send(&protocol.Welcome{
		Version:   protocol.Version,
		SessionID: c.id,
		Agent:     fmt.Sprintf("inapi-agent/%s (%s)", Version, c.agent.name),
	})
}

// serve reads requests until the control channel closes.  Each request
// runs on its own goroutine; Channel.Send serializes the responses.
func (c *conn) serve(ctx context.Context, fr *protocol.FrameReader) error {
	log := c.agent.logger
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			var unknown *inerrors.UnknownMessageError
			var perr *inerrors.ProtocolError
			switch {
			case errors.As(err, &unknown):
				log.Warn("session %s: %v", c.id, err)
				_ = c.send(&protocol.Error{ID: unknown.RequestID, Code: inerrors.CodeUnsupported, Message: err.Error()})
				continue
			case errors.As(err, &perr) && !perr.Fatal:
				log.Warn("session %s: %v", c.id, err)
				_ = c.send(&protocol.Error{ID: perr.RequestID, Code: inerrors.CodeInvalidArgument, Message: err.Error()})
				continue
			}
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		req, ok := msg.(*protocol.Request)
		if !ok {
			log.Warn("session %s: ignoring %s frame", c.id, msg.Tag())
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(ctx, req)
		}()
	}
}

// readBulk routes chunk frames to the transfer of their upload request.
func (c *conn) readBulk(ctx context.Context) {
	fr := protocol.NewFrameReader(c.tc.Bulk())
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			var perr *inerrors.ProtocolError
			if errors.As(err, &perr) && !perr.Fatal {
				c.failUpload(perr.RequestID, err)
				continue
			}
			if ctx.Err() == nil && !isClosed(err) {
				c.agent.logger.Warn("session %s: bulk: %v", c.id, err)
			}
			return
		}
		chunk, ok := msg.(*protocol.Chunk)
		if !ok {
			continue
		}
		c.mu.Lock()
		t := c.uploads[chunk.ID]
		c.mu.Unlock()
		if t == nil {
			c.agent.logger.Debug("session %s: chunk for unknown upload %d", c.id, chunk.ID)
			continue
		}
		c.agent.metrics.BulkTransferred(int64(len(chunk.Data)))
		t.write(chunk)
	}
}

func (c *conn) failUpload(id uint64, err error) {
	c.mu.Lock()
	t := c.uploads[id]
	c.mu.Unlock()
	if t != nil {
		t.fail(inerrors.Domain(inerrors.CodeInvalidArgument, "bad chunk: %v", err))
	}
}

func (c *conn) track(id uint64, t *transfer) {
	c.mu.Lock()
	c.uploads[id] = t
	c.mu.Unlock()
}

func (c *conn) untrack(id uint64) {
	c.mu.Lock()
	delete(c.uploads, id)
	c.mu.Unlock()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// ── request context ──────────────────────────────────────────────────

// request is a Request being handled.
type request struct {
	*protocol.Request
	c *conn
}

// output sends an intermediate frame.
func (r *request) output(kind protocol.StreamKind, data []byte) error {
	return r.c.send(&protocol.Output{ID: r.ID, Stream: kind, Data: data})
}

// writer returns an io.Writer emitting Output frames of kind.
func (r *request) writer(kind protocol.StreamKind) io.Writer {
	return &outputWriter{r: r, kind: kind}
}

type outputWriter struct {
	r    *request
	kind protocol.StreamKind
}

func (w *outputWriter) Write(p []byte) (int, error) {
	for off := 0; off < len(p); {
		n := len(p) - off
		if n > maxOutputChunk {
			n = maxOutputChunk
		}
		data := make([]byte, n)
		copy(data, p[off:off+n])
		if err := w.r.output(w.kind, data); err != nil {
			return off, err
		}
		off += n
	}
	return len(p), nil
}

// maxOutputChunk bounds the data of one Output frame.
const maxOutputChunk = 64 << 10
