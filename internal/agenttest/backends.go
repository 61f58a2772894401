package agenttest

import (
	"context"
	"fmt"
	"io"
	"sync"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

// ── commands ─────────────────────────────────────────────────────────

// CommandFunc scripts one executable.
type CommandFunc func(ctx context.Context, cmd *protocol.CommandArgs, stdout, stderr io.Writer) (int, error)

// Commands is a CommandRunner dispatching on the executable path.
// Unscripted paths go to the fallback, or fail with ErrNotFound.
type Commands struct {
	mu       sync.Mutex
	funcs    map[string]CommandFunc
	fallback CommandFunc
	calls    []protocol.CommandArgs
}

// NewCommands returns a runner that knows "/bin/echo" (prints its args)
// and "/bin/sleep" (blocks until cancelled).
func NewCommands() *Commands {
	c := &Commands{funcs: make(map[string]CommandFunc)}
	c.Handle("/bin/echo", func(_ context.Context, cmd *protocol.CommandArgs, stdout, _ io.Writer) (int, error) {
		for i, a := range cmd.Args {
			if i > 0 {
				fmt.Fprint(stdout, " ")
			}
			fmt.Fprint(stdout, a)
		}
		fmt.Fprintln(stdout)
		return 0, nil
	})
	c.Handle("/bin/sleep", func(ctx context.Context, _ *protocol.CommandArgs, _, _ io.Writer) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	})
	return c
}

// Handle scripts path.
func (c *Commands) Handle(path string, fn CommandFunc) {
	c.mu.Lock()
	c.funcs[path] = fn
	c.mu.Unlock()
}

// HandleOther scripts every path without its own handler.
func (c *Commands) HandleOther(fn CommandFunc) {
	c.mu.Lock()
	c.fallback = fn
	c.mu.Unlock()
}

// Calls returns the commands run so far.
func (c *Commands) Calls() []protocol.CommandArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.CommandArgs(nil), c.calls...)
}

func (c *Commands) Run(ctx context.Context, cmd *protocol.CommandArgs, stdout, stderr io.Writer) (int, error) {
	c.mu.Lock()
	c.calls = append(c.calls, *cmd)
	fn := c.funcs[cmd.Path]
	if fn == nil {
		fn = c.fallback
	}
	c.mu.Unlock()
	if fn == nil {
		return -1, inerrors.Domain(inerrors.CodeNotFound, "executable %s not found", cmd.Path)
	}
	return fn(ctx, cmd, stdout, stderr)
}

// ── packages ─────────────────────────────────────────────────────────

// Packages is an in-memory PackageManager.  Available lists what can be
// installed and at which version.
type Packages struct {
	Provider string

	mu        sync.Mutex
	available map[string]string
	installed map[string]string
	installs  int
}

func NewPackages(provider string) *Packages {
	return &Packages{
		Provider:  provider,
		available: make(map[string]string),
		installed: make(map[string]string),
	}
}

// Offer makes name installable at version.
func (p *Packages) Offer(name, version string) {
	p.mu.Lock()
	p.available[name] = version
	p.mu.Unlock()
}

// Installs counts backend install and uninstall actions.
func (p *Packages) Installs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installs
}

func (p *Packages) DefaultProvider(context.Context) (string, error) { return p.Provider, nil }

func (p *Packages) Query(_ context.Context, _, name string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.installed[name]
	return v, ok, nil
}

func (p *Packages) Install(_ context.Context, _, name, version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.available[name]
	if !ok {
		return inerrors.Domain(inerrors.CodePackageNotFound, "package %s not found", name)
	}
	if version != "" {
		v = version
	}
	p.installed[name] = v
	p.installs++
	return nil
}

func (p *Packages) Uninstall(_ context.Context, _, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.installed, name)
	p.installs++
	return nil
}

// ── services ─────────────────────────────────────────────────────────

// Services is an in-memory ServiceManager.
type Services struct {
	mu       sync.Mutex
	services map[string]*fakeService
}

type fakeService struct {
	state    protocol.RunState
	enabled  bool
	startErr error
	starts   int
	stops    int
}

func NewServices() *Services {
	return &Services{services: make(map[string]*fakeService)}
}

// Add registers a service in the given state.
func (s *Services) Add(name string, state protocol.RunState, enabled bool) {
	s.mu.Lock()
	s.services[name] = &fakeService{state: state, enabled: enabled}
	s.mu.Unlock()
}

// FailStart makes every start of name fail with reason.
func (s *Services) FailStart(name, reason string) {
	s.mu.Lock()
	s.services[name].startErr = fmt.Errorf("%s", reason)
	s.mu.Unlock()
}

// Counts returns how many times name was started and stopped.
func (s *Services) Counts(name string) (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc := s.services[name]
	return svc.starts, svc.stops
}

// State returns the current state of name.
func (s *Services) State(name string) protocol.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[name].state
}

func (s *Services) get(name string) (*fakeService, error) {
	svc := s.services[name]
	if svc == nil {
		return nil, inerrors.Domain(inerrors.CodeNotFound, "service %s not found", name)
	}
	return svc, nil
}

func (s *Services) Status(_ context.Context, name string) (protocol.RunState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.get(name)
	if err != nil {
		return protocol.RunUnknown, false, err
	}
	return svc.state, svc.enabled, nil
}

func (s *Services) Start(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.get(name)
	if err != nil {
		return err
	}
	svc.starts++
	if svc.startErr != nil {
		svc.state = protocol.RunStopped
		return svc.startErr
	}
	svc.state = protocol.RunRunning
	return nil
}

func (s *Services) Stop(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.get(name)
	if err != nil {
		return err
	}
	svc.stops++
	svc.state = protocol.RunStopped
	return nil
}

func (s *Services) Enable(_ context.Context, name string) error {
	return s.setEnabled(name, true)
}

func (s *Services) Disable(_ context.Context, name string) error {
	return s.setEnabled(name, false)
}

func (s *Services) setEnabled(name string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.get(name)
	if err != nil {
		return err
	}
	svc.enabled = on
	return nil
}
