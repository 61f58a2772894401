package capability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/util"
)

// Exec runs processes for the agent.  Cancellation sends SIGTERM and
// escalates to SIGKILL after KillGrace.
type Exec struct {
	KillGrace time.Duration // default 5s
	Logger    *util.Logger
}

// Run executes args to completion.
func (e *Exec) Run(ctx context.Context, args *protocol.CommandArgs, stdout, stderr io.Writer) (int, error) {
	_, wait, err := e.Start(ctx, args, stdout, stderr)
	if err != nil {
		return -1, err
	}
	return wait()
}

// Start launches args and returns its pid and a function waiting for the
// exit code.  With TTY set the process runs on a pseudo-terminal whose
// output goes to stdout.
func (e *Exec) Start(ctx context.Context, args *protocol.CommandArgs, stdout, stderr io.Writer) (int, func() (int, error), error) {
	cmd := exec.CommandContext(ctx, args.Path, args.Args...)
	cmd.Env = append(os.Environ(), args.Env...)
	cmd.Dir = args.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.KillGrace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	if e.Logger != nil {
		e.Logger.Debug("exec: %s", cmd.String())
	}

	if args.TTY {
		return e.startPTY(ctx, cmd, args.Stdin, stdout)
	}

	cmd.Stdin = bytes.NewReader(args.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return 0, nil, startError(args.Path, err)
	}
	return cmd.Process.Pid, func() (int, error) { return exitStatus(ctx, cmd.Wait()) }, nil
}

func (e *Exec) startPTY(ctx context.Context, cmd *exec.Cmd, stdin []byte, stdout io.Writer) (int, func() (int, error), error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return 0, nil, startError(cmd.Path, err)
	}
	if len(stdin) > 0 {
		go func() { _, _ = f.Write(stdin) }()
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// EIO marks the slave side closing, which is the normal end.
		_, _ = io.Copy(stdout, f)
	}()
	wait := func() (int, error) {
		err := cmd.Wait()
		<-copied
		f.Close()
		return exitStatus(ctx, err)
	}
	return cmd.Process.Pid, wait, nil
}

func startError(path string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return inerrors.Domain(inerrors.CodeNotFound, "executable %s not found", path)
	}
	if errors.Is(err, os.ErrPermission) {
		return inerrors.Domain(inerrors.CodePermissionDenied, "executable %s: %v", path, err)
	}
	return err
}

// exitStatus turns the result of Wait into an exit code.  A process
// killed because ctx ended reports ctx's error.
func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
