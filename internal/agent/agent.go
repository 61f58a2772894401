// Package agent implements the remote side of the protocol: it accepts
// sessions, verifies the client token and executes each request against
// pluggable backends on the managed host.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/internal/protocol"
	"inapi/internal/transport"
	"inapi/util"
)

// Version is reported in Welcome and telemetry.
const Version = "0.4.0"

// Config configures an Agent.
type Config struct {
	// Name is announced in Welcome; defaults to the hostname.
	Name string
	// Tokens verifies the Hello token.  Nil accepts any client that
	// passed transport authentication.
	Tokens *Tokens
	// StageDir holds uploads until they are committed (default
	// $TMPDIR/inapi-stage).
	StageDir string

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Agent serves protocol sessions.  One Agent is shared by every
// connection so that uploads survive a dropped session.
type Agent struct {
	name     string
	tokens   *Tokens
	backends Backends
	logger   *util.Logger
	metrics  *metrics.Collector

	transfers *transferStore
	daemons   *supervisor

	mu       sync.Mutex
	sessions map[string]*conn
}

// New returns an Agent executing requests with b.
func New(cfg Config, b Backends) (*Agent, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = util.Discard()
	}
	name := cfg.Name
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "localhost"
		}
		name = h
	}
	stage := cfg.StageDir
	if stage == "" {
		stage = filepath.Join(os.TempDir(), "inapi-stage")
	}
	if err := os.MkdirAll(stage, 0o700); err != nil {
		return nil, fmt.Errorf("stage dir: %w", err)
	}

	a := &Agent{
		name:      name,
		tokens:    cfg.Tokens,
		backends:  b,
		logger:    logger.Named("agent"),
		metrics:   cfg.Metrics,
		transfers: newTransferStore(stage),
		sessions:  make(map[string]*conn),
	}
	a.daemons = newSupervisor(b.Commands, a.logger)
	return a, nil
}

// Sessions returns the number of live sessions.
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// ServeConn runs one session on tc until the peer goes away or ctx is
// cancelled.  It closes tc before returning.
func (a *Agent) ServeConn(ctx context.Context, tc *transport.Conn) error {
	defer tc.Close()

	c := &conn{
		agent:   a,
		tc:      tc,
		uploads: make(map[uint64]*transfer),
	}
	fr := protocol.NewFrameReader(tc.Control())

	if err := c.handshake(fr); err != nil {
		a.logger.Warn("%s: handshake: %v", tc.Addr(), err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { tc.Close() })
	defer stop()

	a.mu.Lock()
	a.sessions[c.id] = c
	a.mu.Unlock()
	a.metrics.SessionOpened()
	a.logger.Info("session %s from %s (%s)", c.id, tc.Addr(), c.client)

	defer func() {
		a.mu.Lock()
		delete(a.sessions, c.id)
		a.mu.Unlock()
		a.metrics.SessionClosed()
		a.logger.Info("session %s closed", c.id)
	}()

	go c.readBulk(ctx)
	err := c.serve(ctx, fr)
	cancel()
	c.wg.Wait()
	return err
}

// Shutdown stops every supervised daemon.
func (a *Agent) Shutdown(ctx context.Context) error {
	return a.daemons.stopAll(ctx)
}

func newSessionID() string { return uuid.NewString() }

// unsupported reports a missing backend.
func unsupported(what string) error {
	return inerrors.Domain(inerrors.CodeUnsupported, "%s is not available on this agent", what)
}
