package command

import (
	"context"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
	"inapi/runnable"
)

// Daemon is a long-running command supervised by the agent under Name.
// It outlives the session that started it.
type Daemon struct {
	ex      session.Executor
	name    string
	command *Command
}

var _ runnable.Runnable = (*Daemon)(nil)

// NewDaemon returns a handle for the daemon name running c.  c may be
// nil for a handle that only queries or stops the daemon.
func NewDaemon(ex session.Executor, name string, c *Command) (*Daemon, error) {
	if name == "" {
		return nil, inerrors.Invalid("name", "daemon name is required")
	}
	return &Daemon{ex: ex, name: name, command: c}, nil
}

// DaemonInfo is the agent's view of a daemon.
type DaemonInfo struct {
	State    runnable.State
	PID      int
	ExitCode int
	Changed  bool
}

// Name returns the name the agent supervises the daemon under.
func (d *Daemon) Name() string { return d.name }

// Info returns the live state including pid and last exit code.
func (d *Daemon) Info(ctx context.Context) (*DaemonInfo, error) {
	return d.call(ctx, protocol.OpDaemonStatus)
}

// Status reports whether the daemon is running, stopped or has failed.
func (d *Daemon) Status(ctx context.Context) (runnable.State, error) {
	info, err := d.Info(ctx)
	if err != nil {
		return runnable.Unknown, err
	}
	return info.State, nil
}

// Start launches the daemon's command.  Starting a running daemon is
// not a change.
func (d *Daemon) Start(ctx context.Context) error {
	_, err := d.call(ctx, protocol.OpDaemonStart)
	return err
}

// Stop cancels the daemon and waits for it to exit.
func (d *Daemon) Stop(ctx context.Context) error {
	_, err := d.call(ctx, protocol.OpDaemonStop)
	return err
}

// Restart stops the daemon if it runs and starts it again.
func (d *Daemon) Restart(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	return d.Start(ctx)
}

func (d *Daemon) call(ctx context.Context, op protocol.Op) (*DaemonInfo, error) {
	args := &protocol.DaemonArgs{Name: d.name}
	if op == protocol.OpDaemonStart {
		if err := d.command.validate(); err != nil {
			return nil, err
		}
		args.Command = *d.command.args()
	}
	var st protocol.DaemonStatus
	if err := session.Call(ctx, d.ex, op, args, &st, nil); err != nil {
		return nil, err
	}
	return &DaemonInfo{
		State:    runnable.FromWire(st.State),
		PID:      int(st.PID),
		ExitCode: int(st.ExitCode),
		Changed:  st.Changed,
	}, nil
}
