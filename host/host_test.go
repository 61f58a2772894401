package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inapi/internal/agenttest"
	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/internal/protocol"
	"inapi/internal/retry"
)

func newHost(t *testing.T, a *agenttest.Agent, mutate func(*Options)) *Host {
	t.Helper()
	opts := Options{Name: "web1", Dialer: a.Dialer(), Token: a.Token()}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.Disconnect() })
	return h
}

func fastBackoff(attempts int) *retry.Backoff {
	return &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: attempts}
}

func transientErr() error {
	return &inerrors.NetworkError{Op: "dial", Addr: "pipe", Err: errors.New("connection refused"), Retryable: true}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Name: "x"})
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)

	a := agenttest.Start(t)
	_, err = New(Options{Dialer: a.Dialer()})
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)
}

func TestHost_StateMachine(t *testing.T) {
	a := agenttest.Start(t)
	h := newHost(t, a, nil)
	ctx := context.Background()

	assert.Equal(t, Disconnected, h.State())
	_, err := h.Execute(ctx, protocol.OpTelemetry, nil)
	assert.ErrorIs(t, err, inerrors.ErrNotConnected)

	require.NoError(t, h.Connect(ctx))
	assert.Equal(t, Connected, h.State())
	assert.NotEmpty(t, h.SessionID())

	// already connected
	require.NoError(t, h.Connect(ctx))
	assert.Equal(t, 1, a.Dials())

	require.NoError(t, h.Disconnect())
	assert.Equal(t, Disconnected, h.State())
	assert.Empty(t, h.SessionID())
	_, err = h.Execute(ctx, protocol.OpTelemetry, nil)
	assert.ErrorIs(t, err, inerrors.ErrNotConnected)

	// reconnect after an explicit disconnect
	require.NoError(t, h.Connect(ctx))
	assert.Equal(t, Connected, h.State())
}

func TestHost_ConnectFailure(t *testing.T) {
	a := agenttest.Start(t)
	h := newHost(t, a, nil)

	a.FailDials(1, transientErr())
	err := h.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), err)

	_, err = h.Execute(context.Background(), protocol.OpTelemetry, nil)
	assert.ErrorIs(t, err, inerrors.ErrNotConnected)
}

func TestHost_RetriesTransientDialErrors(t *testing.T) {
	a := agenttest.Start(t)
	m := metrics.New()
	h := newHost(t, a, func(o *Options) {
		o.Backoff = fastBackoff(5)
		o.Metrics = m
	})

	a.FailDials(2, transientErr())
	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, 3, a.Dials())
	assert.Equal(t, int64(2), m.Reconnects())
}

func TestHost_AuthFailureIsNotRetried(t *testing.T) {
	a := agenttest.Start(t)
	h := newHost(t, a, func(o *Options) {
		o.Backoff = fastBackoff(5)
		o.Token = "forged"
	})

	err := h.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, inerrors.ErrAuthFailed)
	assert.Equal(t, 1, a.Dials())
	assert.Equal(t, Failed, h.State())
}

func TestHost_CircuitBreakerOpens(t *testing.T) {
	a := agenttest.Start(t)
	h := newHost(t, a, func(o *Options) {
		o.Breaker = &retry.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
	})
	a.FailDials(10, transientErr())

	for i := 0; i < 2; i++ {
		require.Error(t, h.Connect(context.Background()))
	}
	err := h.Connect(context.Background())
	assert.ErrorIs(t, err, inerrors.ErrCircuitOpen)
	assert.Equal(t, 2, a.Dials())
}

func TestHost_SessionLossMovesToFailed(t *testing.T) {
	a := agenttest.Start(t)
	h := newHost(t, a, nil)
	require.NoError(t, h.Connect(context.Background()))

	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	// the session ends without going through Disconnect
	sess.Close()

	require.Eventually(t, func() bool { return h.State() == Failed }, 2*time.Second, 5*time.Millisecond)
	_, err := h.Execute(context.Background(), protocol.OpTelemetry, nil)
	assert.ErrorIs(t, err, inerrors.ErrNotConnected)
	assert.ErrorIs(t, err, inerrors.ErrSessionClosed)
}

func TestHost_ConcurrentCommandsThenDisconnect(t *testing.T) {
	a := agenttest.Start(t)
	h := newHost(t, a, nil)
	require.NoError(t, h.Connect(context.Background()))

	b, err := protocol.Marshal(&protocol.CommandArgs{Path: "/bin/sleep"})
	require.NoError(t, err)

	const n = 100
	errs := make(chan error, n)
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			st, err := h.Execute(context.Background(), protocol.OpCommandExec, b)
			started.Done()
			if err != nil {
				errs <- err
				return
			}
			_, err = st.Wait(context.Background(), nil)
			errs <- err
		}()
	}
	started.Wait()
	require.NoError(t, h.Disconnect())

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, inerrors.ErrSessionClosed)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d requests finished", i, n)
		}
	}
}
