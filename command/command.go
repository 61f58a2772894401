// Package command runs processes on a host and supervises long-running
// ones as daemons.
package command

import (
	"bytes"
	"context"
	"io"
	"time"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
)

// Command describes one process invocation on the host.
type Command struct {
	Path  string
	Args  []string
	Env   []string // KEY=value, added to the agent's environment
	Dir   string
	TTY   bool // run on a pseudo-terminal; stderr is merged into stdout
	Stdin []byte

	// Stdout and Stderr, when set, receive output as it streams in.
	Stdout io.Writer
	Stderr io.Writer
}

// Shell runs line through /bin/sh -c.
func Shell(line string) *Command {
	return &Command{Path: "/bin/sh", Args: []string{"-c", line}}
}

// Result is the outcome of a finished command.  A non-zero ExitCode is
// a result, not an error.
type Result struct {
	ExitCode int
	Duration time.Duration
	Stdout   []byte
	Stderr   []byte
}

// Success reports a zero exit code.
func (r *Result) Success() bool { return r.ExitCode == 0 }

func (c *Command) validate() error {
	if c == nil || c.Path == "" {
		return inerrors.Invalid("path", "executable path is required")
	}
	return nil
}

func (c *Command) args() *protocol.CommandArgs {
	return &protocol.CommandArgs{
		Path:  c.Path,
		Args:  c.Args,
		Env:   c.Env,
		Dir:   c.Dir,
		TTY:   c.TTY,
		Stdin: c.Stdin,
	}
}

// Run executes c and waits for it to exit.
func Run(ctx context.Context, ex session.Executor, c *Command) (*Result, error) {
	h, err := Start(ctx, ex, c)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Handle is a command that has been sent to the host.  Its output is
// read either frame by frame with Next or all at once with Wait, not
// both.
type Handle struct {
	stream *session.Stream
	stdout io.Writer
	stderr io.Writer
}

// NewHandle wraps a stream of command output.  Wait copies output to
// stdout and stderr when they are non-nil.
func NewHandle(st *session.Stream, stdout, stderr io.Writer) *Handle {
	return &Handle{stream: st, stdout: stdout, stderr: stderr}
}

// Start sends c without waiting for it.  The returned Handle must be
// read to its end; the deadline of ctx still bounds the whole execution.
func Start(ctx context.Context, ex session.Executor, c *Command) (*Handle, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	b, err := protocol.Marshal(c.args())
	if err != nil {
		return nil, err
	}
	st, err := ex.Execute(ctx, protocol.OpCommandExec, b)
	if err != nil {
		return nil, err
	}
	return NewHandle(st, c.Stdout, c.Stderr), nil
}

// Next blocks until the next frame of output arrives.  Intermediate
// frames carry stdout or stderr bytes; the terminal frame has Final set
// and decodes with [ResultOf].  A failed command returns its error
// instead, and any read after the terminal outcome returns
// ErrStreamConsumed.
func (h *Handle) Next(ctx context.Context) (session.Frame, error) {
	return h.stream.Next(ctx)
}

// Wait collects output until the command exits.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	return Collect(ctx, h.stream, h.stdout, h.stderr)
}

// ResultOf decodes the terminal frame of a command stream.  Stdout and
// Stderr are left empty.
func ResultOf(f session.Frame) (*Result, error) {
	if !f.Final {
		return nil, inerrors.Invalid("frame", "not a terminal frame")
	}
	var res protocol.CommandResult
	if err := protocol.Unmarshal(f.Data, &res); err != nil {
		return nil, err
	}
	return &Result{
		ExitCode: int(res.ExitCode),
		Duration: time.Duration(res.DurationMs) * time.Millisecond,
	}, nil
}

// Collect drains a stream of command output and decodes its result.
// Output is buffered into the Result and copied to stdout and stderr
// when they are non-nil.
func Collect(ctx context.Context, st *session.Stream, stdout, stderr io.Writer) (*Result, error) {
	var outBuf, errBuf bytes.Buffer
	body, err := st.Wait(ctx, func(f session.Frame) {
		switch f.Stream {
		case protocol.StreamStdout:
			outBuf.Write(f.Data)
			if stdout != nil {
				_, _ = stdout.Write(f.Data)
			}
		case protocol.StreamStderr:
			errBuf.Write(f.Data)
			if stderr != nil {
				_, _ = stderr.Write(f.Data)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	res, err := ResultOf(session.Frame{Data: body, Final: true})
	if err != nil {
		return nil, err
	}
	res.Stdout, res.Stderr = outBuf.Bytes(), errBuf.Bytes()
	return res, nil
}
