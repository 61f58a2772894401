package session

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/internal/protocol"
	"inapi/internal/transport"
)

// peer is a scripted agent on the server end of a pipe.
type peer struct {
	t    *testing.T
	conn *transport.Conn
	fr   *protocol.FrameReader
	wmu  sync.Mutex
}

func (p *peer) send(m protocol.Message) {
	frame, err := protocol.Encode(m)
	require.NoError(p.t, err)
	p.sendRaw(frame)
}

func (p *peer) sendRaw(b []byte) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.Control().Send(b)
}

// serve answers the handshake and passes each Request to handle on its
// own goroutine.
func (p *peer) serve(handle func(p *peer, req *protocol.Request)) {
	for {
		msg, err := p.fr.ReadMessage()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.Hello:
			if m.Token == "bad" {
				p.send(&protocol.Error{Code: inerrors.CodeUnauthenticated, Message: "invalid token"})
				continue
			}
			p.send(&protocol.Welcome{Version: protocol.Version, SessionID: "sess-1", Agent: "fake/1"})
		case *protocol.Request:
			go handle(p, m)
		}
	}
}

func startPeer(t *testing.T, handle func(p *peer, req *protocol.Request)) (*transport.Conn, *peer) {
	t.Helper()
	client, server := transport.Pipe(nil)
	p := &peer{t: t, conn: server, fr: protocol.NewFrameReader(server.Control())}
	go p.serve(handle)
	t.Cleanup(func() { server.Close() })
	return client, p
}

func openSession(t *testing.T, handle func(p *peer, req *protocol.Request)) (*Session, *peer) {
	t.Helper()
	conn, p := startPeer(t, handle)
	s, err := Open(context.Background(), conn, Options{Client: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, p
}

func echo(p *peer, req *protocol.Request) {
	p.send(&protocol.Output{ID: req.ID, Stream: protocol.StreamStdout, Data: []byte("out:")})
	p.send(&protocol.Result{ID: req.ID, Body: req.Args})
}

func TestOpen_Handshake(t *testing.T) {
	s, _ := openSession(t, echo)
	assert.Equal(t, "sess-1", s.ID())
	assert.Equal(t, "fake/1", s.Agent())
	assert.NoError(t, s.Err())
}

func TestOpen_Rejected(t *testing.T) {
	conn, _ := startPeer(t, echo)
	_, err := Open(context.Background(), conn, Options{Token: "bad"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inerrors.ErrAuthFailed)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("conn should be closed after a failed handshake")
	}
}

func TestOpen_HandshakeTimeout(t *testing.T) {
	client, server := transport.Pipe(nil)
	defer server.Close()
	// Drain the Hello and never answer.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := server.Control().Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := Open(context.Background(), client, Options{HandshakeTimeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, inerrors.ErrTimeout)
}

func TestExecute_StreamAndResult(t *testing.T) {
	s, _ := openSession(t, echo)
	ctx := context.Background()

	st, err := s.Execute(ctx, protocol.OpCommandExec, []byte("payload"))
	require.NoError(t, err)

	f, err := st.Next(ctx)
	require.NoError(t, err)
	assert.False(t, f.Final)
	assert.Equal(t, protocol.StreamStdout, f.Stream)
	assert.Equal(t, "out:", string(f.Data))

	f, err = st.Next(ctx)
	require.NoError(t, err)
	assert.True(t, f.Final)
	assert.Equal(t, "payload", string(f.Data))

	_, err = st.Next(ctx)
	assert.ErrorIs(t, err, inerrors.ErrStreamConsumed)
	assert.Zero(t, s.Pending())
}

func TestExecute_ErrorFrame(t *testing.T) {
	s, _ := openSession(t, func(p *peer, req *protocol.Request) {
		p.send(&protocol.Error{ID: req.ID, Code: inerrors.CodePackageNotFound, Message: "no such package", Detail: "nosuchpkg"})
	})

	st, err := s.Execute(context.Background(), protocol.OpPackageInstall, nil)
	require.NoError(t, err)

	_, err = st.Wait(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, inerrors.ErrPackageNotFound)

	var de *inerrors.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "nosuchpkg", de.Detail)

	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, inerrors.ErrStreamConsumed)
}

func TestExecute_WaitCollectsOutput(t *testing.T) {
	s, _ := openSession(t, func(p *peer, req *protocol.Request) {
		for i := 0; i < 3; i++ {
			p.send(&protocol.Output{ID: req.ID, Stream: protocol.StreamStderr, Data: []byte{byte('a' + i)}})
		}
		p.send(&protocol.Result{ID: req.ID})
	})

	st, err := s.Execute(context.Background(), protocol.OpCommandExec, nil)
	require.NoError(t, err)

	var got []byte
	body, err := st.Wait(context.Background(), func(f Frame) { got = append(got, f.Data...) })
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Equal(t, "abc", string(got))
}

func TestExecute_Timeout(t *testing.T) {
	s, p := openSession(t, func(*peer, *protocol.Request) {})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	st, err := s.Execute(ctx, protocol.OpCommandExec, nil)
	require.NoError(t, err)

	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, inerrors.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.Pending())

	// A late terminal frame for the abandoned id is dropped and the
	// session keeps working.
	p.send(&protocol.Result{ID: st.ID()})
	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, inerrors.ErrStreamConsumed)
	assert.NoError(t, s.Err())
}

func TestExecute_OutOfOrderCompletion(t *testing.T) {
	release := make(chan struct{})
	s, _ := openSession(t, func(p *peer, req *protocol.Request) {
		if string(req.Args) == "slow" {
			<-release
		}
		p.send(&protocol.Result{ID: req.ID, Body: req.Args})
	})
	ctx := context.Background()

	slow, err := s.Execute(ctx, protocol.OpCommandExec, []byte("slow"))
	require.NoError(t, err)
	fast, err := s.Execute(ctx, protocol.OpCommandExec, []byte("fast"))
	require.NoError(t, err)

	body, err := fast.Wait(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", string(body))

	close(release)
	body, err = slow.Wait(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "slow", string(body))
}

func TestClose_FailsPending(t *testing.T) {
	const n = 100
	var (
		mu       sync.Mutex
		received int
		all      = make(chan struct{})
	)
	s, _ := openSession(t, func(*peer, *protocol.Request) {
		mu.Lock()
		received++
		if received == n {
			close(all)
		}
		mu.Unlock()
	})

	ctx := context.Background()
	streams := make([]*Stream, n)
	var wg sync.WaitGroup
	for i := range streams {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Execute(ctx, protocol.OpCommandExec, nil)
			assert.NoError(t, err)
			streams[i] = st
		}(i)
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not receive every request")
	}
	require.NoError(t, s.Close())

	for _, st := range streams {
		_, err := st.Wait(ctx, nil)
		assert.ErrorIs(t, err, inerrors.ErrSessionClosed)
	}
	assert.Zero(t, s.Pending())

	_, err := s.Execute(ctx, protocol.OpCommandExec, nil)
	assert.ErrorIs(t, err, inerrors.ErrSessionClosed)
}

func TestPeerDisconnect_FailsPending(t *testing.T) {
	s, p := openSession(t, func(*peer, *protocol.Request) {})

	st, err := s.Execute(context.Background(), protocol.OpCommandExec, nil)
	require.NoError(t, err)

	p.conn.Close()

	_, err = st.Wait(context.Background(), nil)
	assert.ErrorIs(t, err, inerrors.ErrSessionClosed)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not done after peer disconnect")
	}
	var closed *inerrors.SessionClosedError
	require.ErrorAs(t, s.Err(), &closed)
	assert.NotNil(t, closed.Cause)
}

func TestMalformedBody_FailsOnlyThatStream(t *testing.T) {
	s, _ := openSession(t, func(p *peer, req *protocol.Request) {
		if string(req.Args) == "bad" {
			// A Result frame whose byte field claims more than it holds.
			frame := make([]byte, protocol.HeaderSize+4)
			binary.BigEndian.PutUint32(frame[0:], uint32(len(frame)-4))
			frame[4] = byte(protocol.TagResult)
			binary.BigEndian.PutUint64(frame[5:], req.ID)
			binary.BigEndian.PutUint32(frame[13:], 99)
			p.sendRaw(frame)
			return
		}
		p.send(&protocol.Result{ID: req.ID, Body: []byte("ok")})
	})
	ctx := context.Background()

	bad, err := s.Execute(ctx, protocol.OpCommandExec, []byte("bad"))
	require.NoError(t, err)
	_, err = bad.Wait(ctx, nil)
	assert.ErrorIs(t, err, inerrors.ErrProtocol)

	good, err := s.Execute(ctx, protocol.OpCommandExec, []byte("good"))
	require.NoError(t, err)
	body, err := good.Wait(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestUnknownTag_Skipped(t *testing.T) {
	s, _ := openSession(t, func(p *peer, req *protocol.Request) {
		frame := make([]byte, protocol.HeaderSize)
		binary.BigEndian.PutUint32(frame[0:], uint32(len(frame)-4))
		frame[4] = 0x7f
		binary.BigEndian.PutUint64(frame[5:], req.ID)
		p.sendRaw(frame)
		p.send(&protocol.Result{ID: req.ID, Body: []byte("after")})
	})

	st, err := s.Execute(context.Background(), protocol.OpTelemetry, nil)
	require.NoError(t, err)
	body, err := st.Wait(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "after", string(body))
}

func TestFatalFrame_ClosesSession(t *testing.T) {
	s, _ := openSession(t, func(p *peer, req *protocol.Request) {
		p.sendRaw([]byte{0xff, 0xff, 0xff, 0xff, 0, 0})
	})

	st, err := s.Execute(context.Background(), protocol.OpTelemetry, nil)
	require.NoError(t, err)
	_, err = st.Wait(context.Background(), nil)
	assert.ErrorIs(t, err, inerrors.ErrSessionClosed)
	assert.ErrorIs(t, err, inerrors.ErrProtocol)
}

func TestSendChunk(t *testing.T) {
	conn, p := startPeer(t, echo)
	s, err := Open(context.Background(), conn, Options{})
	require.NoError(t, err)
	defer s.Close()

	got := make(chan protocol.Message, 1)
	go func() {
		msg, err := protocol.NewFrameReader(p.conn.Bulk()).ReadMessage()
		if err == nil {
			got <- msg
		}
	}()

	require.NoError(t, s.SendChunk(&protocol.Chunk{ID: 9, File: 1, Offset: 4, Data: []byte("data")}))
	select {
	case msg := <-got:
		c, ok := msg.(*protocol.Chunk)
		require.True(t, ok)
		assert.Equal(t, uint64(9), c.ID)
		assert.Equal(t, "data", string(c.Data))
	case <-time.After(time.Second):
		t.Fatal("chunk not received")
	}

	s.Close()
	assert.ErrorIs(t, s.SendChunk(&protocol.Chunk{ID: 9}), inerrors.ErrSessionClosed)
}

func TestMetrics_Requests(t *testing.T) {
	conn, _ := startPeer(t, echo)
	m := metrics.New()
	s, err := Open(context.Background(), conn, Options{Metrics: m})
	require.NoError(t, err)

	st, err := s.Execute(context.Background(), protocol.OpTelemetry, nil)
	require.NoError(t, err)
	_, err = st.Wait(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.ActiveSessions())
	assert.Equal(t, int64(1), m.TotalRequests())
	assert.Zero(t, m.InFlight())

	s.Close()
	assert.Zero(t, m.ActiveSessions())
}
