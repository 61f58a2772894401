// Package agenttest runs an in-process agent over transport pipes with
// scriptable backends, for tests of the client-side packages.
package agenttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"inapi/internal/agent"
	"inapi/internal/capability"
	"inapi/internal/metrics"
	"inapi/internal/session"
	"inapi/internal/transport"
)

// Secret is the token secret shared by the harness agent and Token.
const Secret = "agenttest-secret"

// Agent is a running in-process agent.
type Agent struct {
	*agent.Agent

	Commands *Commands
	Packages *Packages
	Services *Services
	Metrics  *metrics.Collector

	t      testing.TB
	tokens *agent.Tokens
	ctx    context.Context

	mu       sync.Mutex
	failNext int
	dialErr  error
	dials    int
}

// Start runs an agent with fresh fake backends and a temporary staging
// directory.  Everything is torn down with t.
func Start(t testing.TB) *Agent {
	t.Helper()
	tokens, err := agent.NewTokens(Secret)
	if err != nil {
		t.Fatal(err)
	}
	a := &Agent{
		Commands: NewCommands(),
		Packages: NewPackages("apt"),
		Services: NewServices(),
		t:        t,
		tokens:   tokens,
	}
	inner, err := agent.New(agent.Config{
		Name:     "agenttest",
		Tokens:   tokens,
		StageDir: t.TempDir(),
	}, agent.Backends{
		Commands: a.Commands,
		Packages: a.Packages,
		Services: a.Services,
		Renderer: capability.Templates{},
	})
	if err != nil {
		t.Fatal(err)
	}
	a.Agent = inner

	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = inner.Shutdown(sctx)
	})
	return a
}

// Token returns a valid session token.
func (a *Agent) Token() string {
	tok, err := a.tokens.Issue("agenttest", time.Hour)
	if err != nil {
		a.t.Fatal(err)
	}
	return tok
}

// FailDials makes the next n dials fail with err.
func (a *Agent) FailDials(n int, err error) {
	a.mu.Lock()
	a.failNext, a.dialErr = n, err
	a.mu.Unlock()
}

// Dials returns how many times Dialer was called.
func (a *Agent) Dials() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

// Dialer returns a dialer connecting to the agent over an in-memory pipe.
func (a *Agent) Dialer() transport.Dialer {
	return transport.DialFunc(func(ctx context.Context) (*transport.Conn, error) {
		a.mu.Lock()
		a.dials++
		if a.failNext > 0 {
			a.failNext--
			err := a.dialErr
			a.mu.Unlock()
			return nil, err
		}
		a.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, server := transport.Pipe(a.Metrics)
		go func() { _ = a.ServeConn(a.ctx, server) }()
		return client, nil
	})
}

// Open dials the agent and opens a session, closed with t.
func (a *Agent) Open(t testing.TB) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.Dialer().Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s, err := session.Open(ctx, conn, session.Options{Client: "agenttest", Token: a.Token()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
