package session

import (
	"context"
	"sync"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

// Frame is one element of a response stream.
type Frame struct {
	// Stream is the kind of an intermediate Output frame.
	Stream protocol.StreamKind
	// Data holds output bytes, or the Result body when Final is set.
	Data []byte
	// Final marks the terminal success frame.
	Final bool
}

type item struct {
	frame Frame
	err   error
}

// Stream yields the responses to one request: zero or more intermediate
// frames followed by exactly one terminal outcome.  Frames queue without
// bound until read, so a slow reader never stalls the session.
type Stream struct {
	sess *Session
	id   uint64
	op   protocol.Op

	mu       sync.Mutex
	queue    []item
	finished bool // terminal item queued
	consumed bool // terminal item returned
	stop     func() bool
	notify   chan struct{}
}

func newStream(s *Session, id uint64, op protocol.Op) *Stream {
	return &Stream{sess: s, id: id, op: op, notify: make(chan struct{}, 1)}
}

// ID returns the request id.
func (st *Stream) ID() uint64 { return st.id }

// Op returns the requested operation.
func (st *Stream) Op() protocol.Op { return st.op }

// Next blocks until the next frame is available.  The terminal frame has
// Final set; a failed request returns its typed error instead.  After the
// terminal outcome Next returns ErrStreamConsumed.  If ctx ends first the
// request is abandoned.
func (st *Stream) Next(ctx context.Context) (Frame, error) {
	for {
		st.mu.Lock()
		if st.consumed {
			st.mu.Unlock()
			return Frame{}, inerrors.ErrStreamConsumed
		}
		if len(st.queue) > 0 {
			it := st.queue[0]
			st.queue[0] = item{}
			st.queue = st.queue[1:]
			if it.err != nil || it.frame.Final {
				st.consumed = true
			}
			st.mu.Unlock()
			return it.frame, it.err
		}
		st.mu.Unlock()

		select {
		case <-st.notify:
		case <-ctx.Done():
			st.finish(item{err: abandonedErr(st.op, st.id, ctx.Err())})
		}
	}
}

// Wait drains the stream and returns the terminal Result body.  Each
// intermediate frame is passed to fn when fn is non-nil.
func (st *Stream) Wait(ctx context.Context, fn func(Frame)) ([]byte, error) {
	for {
		f, err := st.Next(ctx)
		if err != nil {
			return nil, err
		}
		if f.Final {
			return f.Data, nil
		}
		if fn != nil {
			fn(f)
		}
	}
}

// push queues an intermediate frame.
func (st *Stream) push(it item) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return
	}
	st.queue = append(st.queue, it)
	st.signal()
}

// finish queues the terminal outcome once and releases the request.
func (st *Stream) finish(it item) {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return
	}
	st.finished = true
	st.queue = append(st.queue, it)
	st.signal()
	stop := st.stop
	st.mu.Unlock()

	if stop != nil {
		stop()
	}
	st.sess.remove(st.id)
	st.sess.metrics.RequestFinished(it.err != nil)
}

// watch ties the request to ctx.  It must be called at most once.
func (st *Stream) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		st.finish(item{err: abandonedErr(st.op, st.id, ctx.Err())})
	})
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		stop()
		return
	}
	st.stop = stop
	st.mu.Unlock()
}

func (st *Stream) signal() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}
