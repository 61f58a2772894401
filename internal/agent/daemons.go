package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"inapi/internal/protocol"
	"inapi/util"
)

// daemon is one supervised long-running command.
type daemon struct {
	name     string
	state    protocol.RunState
	pid      int
	exit     int
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func (d *daemon) status() protocol.DaemonStatus {
	return protocol.DaemonStatus{State: d.state, PID: int32(d.pid), ExitCode: int32(d.exit)}
}

// supervisor owns the agent's daemons.  Daemons are detached from the
// session that started them and live until stopped or the agent shuts
// down.
type supervisor struct {
	runner CommandRunner
	logger *util.Logger

	mu      sync.Mutex
	daemons map[string]*daemon
}

func newSupervisor(runner CommandRunner, logger *util.Logger) *supervisor {
	return &supervisor{
		runner:  runner,
		logger:  logger.Named("daemon"),
		daemons: make(map[string]*daemon),
	}
}

// start launches cmd under name unless a daemon of that name is running.
func (s *supervisor) start(name string, cmd *protocol.CommandArgs) (*protocol.DaemonStatus, error) {
	if s.runner == nil {
		return nil, unsupported("command execution")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.daemons[name]; d != nil && d.state == protocol.RunRunning {
		st := d.status()
		return &st, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{name: name, state: protocol.RunRunning, cancel: cancel, done: make(chan struct{})}
	out := &lineLogger{logger: s.logger, prefix: name}

	var wait func() (int, error)
	if ps, ok := s.runner.(ProcessStarter); ok {
		pid, w, err := ps.Start(ctx, cmd, out, out)
		if err != nil {
			cancel()
			return nil, err
		}
		d.pid, wait = pid, w
	} else {
		wait = func() (int, error) { return s.runner.Run(ctx, cmd, out, out) }
	}
	s.daemons[name] = d
	s.logger.Info("%s started (pid %d)", name, d.pid)

	go s.reap(d, wait, out)

	st := d.status()
	st.Changed = true
	return &st, nil
}

func (s *supervisor) reap(d *daemon, wait func() (int, error), out *lineLogger) {
	code, err := wait()
	out.flush()

	s.mu.Lock()
	d.exit = code
	switch {
	case d.stopping:
		d.state = protocol.RunStopped
	case err != nil || code != 0:
		d.state = protocol.RunFailed
	default:
		d.state = protocol.RunStopped
	}
	state, stopping := d.state, d.stopping
	s.mu.Unlock()

	d.cancel()
	close(d.done)
	if err != nil && !stopping {
		s.logger.Warn("%s exited: %v", d.name, err)
	} else {
		s.logger.Verbose("%s %s (exit %d)", d.name, state, code)
	}
}

// stop cancels the named daemon and waits for it to exit.  Stopping a
// daemon that is not running is not a change.
func (s *supervisor) stop(ctx context.Context, name string) (*protocol.DaemonStatus, error) {
	s.mu.Lock()
	d := s.daemons[name]
	if d == nil {
		s.mu.Unlock()
		return &protocol.DaemonStatus{State: protocol.RunStopped}, nil
	}
	if d.state != protocol.RunRunning {
		st := d.status()
		s.mu.Unlock()
		return &st, nil
	}
	d.stopping = true
	s.mu.Unlock()

	d.cancel()
	select {
	case <-d.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	st := d.status()
	s.mu.Unlock()
	st.Changed = true
	return &st, nil
}

// status reports the named daemon, RunUnknown if it was never started.
func (s *supervisor) status(name string) protocol.DaemonStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.daemons[name]; d != nil {
		return d.status()
	}
	return protocol.DaemonStatus{State: protocol.RunUnknown}
}

func (s *supervisor) stopAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.daemons))
	for name, d := range s.daemons {
		if d.state == protocol.RunRunning {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if _, err := s.stop(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lineLogger forwards daemon output to the debug log a line at a time.
type lineLogger struct {
	logger *util.Logger
	prefix string

	mu  sync.Mutex
	buf bytes.Buffer
}

var _ io.Writer = (*lineLogger)(nil)

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := l.buf.Next(i + 1)
		l.logger.Debug("%s: %s", l.prefix, bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := bufio.NewScanner(&l.buf)
	for sc.Scan() {
		l.logger.Debug("%s: %s", l.prefix, sc.Text())
	}
	l.buf.Reset()
}
