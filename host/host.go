// Package host manages the connection to one managed host.  A Host owns
// at most one session at a time and moves through the states
// Disconnected, Connecting, Connected and Failed.  Operation packages
// take a *Host as their session.Executor.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/internal/protocol"
	"inapi/internal/retry"
	"inapi/internal/session"
	"inapi/internal/transport"
	"inapi/util"
)

// State is the connection state of a Host.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Host.
type Options struct {
	// Name labels the host in logs and CLI output.
	Name string
	// Dialer reaches the agent.  Required.
	Dialer transport.Dialer
	// Token is presented in the Hello frame.
	Token string
	// Client identifies this program to the agent.
	Client string

	// Backoff retries failed dials.  Nil means a single attempt.
	// Authentication and host key failures are never retried.
	Backoff *retry.Backoff
	// Breaker, when set, stops dialing a host that keeps failing.
	Breaker *retry.CircuitBreakerConfig

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Host is one managed host.  It is safe for concurrent use.
type Host struct {
	name    string
	opts    Options
	breaker *retry.CircuitBreaker
	logger  *util.Logger

	connMu sync.Mutex // serializes Connect

	mu    sync.Mutex
	state State
	sess  *session.Session
	err   error
}

// New returns a disconnected Host.
func New(opts Options) (*Host, error) {
	if opts.Dialer == nil {
		return nil, inerrors.Invalid("dialer", "a dialer is required")
	}
	if opts.Name == "" {
		return nil, inerrors.Invalid("name", "host name is required")
	}
	if opts.Client == "" {
		opts.Client = "inapi"
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}
	opts.Logger = logger.Named(opts.Name)

	h := &Host{
		name:   opts.Name,
		opts:   opts,
		logger: opts.Logger,
	}
	if opts.Breaker != nil {
		bc := *opts.Breaker
		notify := bc.OnStateChange
		bc.OnStateChange = func(from, to retry.State) {
			h.logger.Verbose("circuit %s -> %s", from, to)
			if notify != nil {
				notify(from, to)
			}
		}
		h.breaker = retry.NewCircuitBreaker(&bc)
	}
	return h, nil
}

// NewSSH returns a Host that dials cfg over SSH.
func NewSSH(cfg *transport.SSHConfig, opts Options) (*Host, error) {
	if opts.Name == "" {
		opts.Name = cfg.Host
	}
	opts.Dialer = transport.NewSSHDialer(cfg, opts.Logger, opts.Metrics)
	return New(opts)
}

// Name returns the host's label.
func (h *Host) Name() string { return h.name }

// State returns the current connection state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that moved the Host to Failed, if any.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// SessionID returns the id of the current session, or "".
func (h *Host) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return ""
	}
	return h.sess.ID()
}

// Connect dials the agent and opens a session.  It is a no-op when the
// Host is already connected.
func (h *Host) Connect(ctx context.Context) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	h.mu.Lock()
	if h.state == Connected {
		h.mu.Unlock()
		return nil
	}
	h.state = Connecting
	h.err = nil
	h.mu.Unlock()

	sess, err := h.open(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = Failed
		h.err = err
		h.opts.Metrics.RecordError(err.Error())
		h.logger.Warn("connect failed: %v", err)
		return err
	}
	h.state = Connected
	h.sess = sess
	go h.watch(sess)
	h.logger.Verbose("connected, session %s", sess.ID())
	return nil
}

func (h *Host) open(ctx context.Context) (*session.Session, error) {
	var sess *session.Session
	attempt := func(int) error {
		conn, err := h.opts.Dialer.Dial(ctx)
		if err != nil {
			return err
		}
		s, err := session.Open(ctx, conn, session.Options{
			Client:  h.opts.Client,
			Token:   h.opts.Token,
			Logger:  h.opts.Logger,
			Metrics: h.opts.Metrics,
		})
		if err != nil {
			return err
		}
		sess = s
		return nil
	}

	dial := func() error { return attempt(1) }
	if h.opts.Backoff != nil {
		b := *h.opts.Backoff
		if b.Retryable == nil {
			b.Retryable = inerrors.IsRetryable
		}
		onRetry := b.OnRetry
		b.OnRetry = func(n int, err error, wait time.Duration) {
			h.opts.Metrics.Reconnect()
			h.logger.Verbose("attempt %d failed: %v; retrying in %v", n, err, wait)
			if onRetry != nil {
				onRetry(n, err, wait)
			}
		}
		dial = func() error { return b.Do(ctx, attempt) }
	}

	var err error
	if h.breaker != nil {
		err = h.breaker.Execute(dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", h.name, err)
	}
	return sess, nil
}

// watch moves the Host to Failed if its session dies underneath it.
func (h *Host) watch(sess *session.Session) {
	<-sess.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess != sess {
		return
	}
	h.sess = nil
	h.state = Failed
	h.err = sess.Err()
	h.logger.Warn("session lost: %v", h.err)
}

// Disconnect closes the session.  Pending requests fail with
// SessionClosed.  Disconnect on a Host that is not connected is a no-op.
func (h *Host) Disconnect() error {
	h.mu.Lock()
	sess := h.sess
	h.sess = nil
	h.state = Disconnected
	h.err = nil
	h.mu.Unlock()

	if sess == nil {
		return nil
	}
	h.logger.Verbose("disconnecting")
	return sess.Close()
}

// Execute implements session.Executor.
func (h *Host) Execute(ctx context.Context, op protocol.Op, args []byte) (*session.Stream, error) {
	sess, err := h.current()
	if err != nil {
		return nil, err
	}
	return sess.Execute(ctx, op, args)
}

// SendChunk implements session.Executor.
func (h *Host) SendChunk(c *protocol.Chunk) error {
	sess, err := h.current()
	if err != nil {
		return err
	}
	return sess.SendChunk(c)
}

func (h *Host) current() (*session.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		if h.err != nil {
			return nil, fmt.Errorf("%s: %w: %w", h.name, inerrors.ErrNotConnected, h.err)
		}
		return nil, fmt.Errorf("%s: %w", h.name, inerrors.ErrNotConnected)
	}
	return h.sess, nil
}
