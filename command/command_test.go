package command_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inapi/command"
	inerrors "inapi/internal/errors"
	"inapi/internal/agenttest"
	"inapi/internal/protocol"
	"inapi/internal/session"
	"inapi/runnable"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCollectsOutput(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)

	res, err := command.Run(testCtx(t), s, &command.Command{Path: "/bin/echo", Args: []string{"hello", "world"}})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello world\n", string(res.Stdout))
	assert.Empty(t, res.Stderr)
}

func TestRunNonZeroExitIsAResult(t *testing.T) {
	a := agenttest.Start(t)
	a.Commands.Handle("/bin/false", func(_ context.Context, _ *protocol.CommandArgs, _, stderr io.Writer) (int, error) {
		fmt.Fprint(stderr, "nope")
		return 3, nil
	})
	s := a.Open(t)

	res, err := command.Run(testCtx(t), s, &command.Command{Path: "/bin/false"})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "nope", string(res.Stderr))
}

func TestRunPassesInvocation(t *testing.T) {
	a := agenttest.Start(t)
	a.Commands.Handle("/bin/cat", func(_ context.Context, cmd *protocol.CommandArgs, stdout, _ io.Writer) (int, error) {
		stdout.Write(cmd.Stdin)
		return 0, nil
	})
	s := a.Open(t)

	var live bytes.Buffer
	res, err := command.Run(testCtx(t), s, &command.Command{
		Path:   "/bin/cat",
		Env:    []string{"A=1"},
		Dir:    "/tmp",
		Stdin:  []byte("piped"),
		Stdout: &live,
	})
	require.NoError(t, err)
	assert.Equal(t, "piped", string(res.Stdout))
	assert.Equal(t, "piped", live.String())

	calls := a.Commands.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"A=1"}, calls[0].Env)
	assert.Equal(t, "/tmp", calls[0].Dir)
}

func TestShell(t *testing.T) {
	c := command.Shell("echo hi | wc -c")
	assert.Equal(t, "/bin/sh", c.Path)
	assert.Equal(t, []string{"-c", "echo hi | wc -c"}, c.Args)
}

func TestRunValidation(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)

	_, err := command.Run(testCtx(t), s, &command.Command{})
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)
	assert.Empty(t, a.Commands.Calls())
}

func TestRunMissingExecutable(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)

	_, err := command.Run(testCtx(t), s, &command.Command{Path: "/no/such/binary"})
	assert.ErrorIs(t, err, inerrors.ErrNotFound)
}

func TestStartThenWait(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)
	ctx := testCtx(t)

	handles := make([]*command.Handle, 5)
	for i := range handles {
		h, err := command.Start(ctx, s, &command.Command{Path: "/bin/echo", Args: []string{fmt.Sprint(i)}})
		require.NoError(t, err)
		handles[i] = h
	}
	for i, h := range handles {
		res, err := h.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d\n", i), string(res.Stdout))
	}
}

func TestHandleNextPullsFrames(t *testing.T) {
	a := agenttest.Start(t)
	a.Commands.Handle("/usr/bin/build", func(_ context.Context, _ *protocol.CommandArgs, stdout, stderr io.Writer) (int, error) {
		fmt.Fprint(stdout, "compiling")
		fmt.Fprint(stderr, "warning: unused")
		fmt.Fprint(stdout, "done")
		return 2, nil
	})
	s := a.Open(t)
	ctx := testCtx(t)

	h, err := command.Start(ctx, s, &command.Command{Path: "/usr/bin/build"})
	require.NoError(t, err)

	want := []struct {
		kind protocol.StreamKind
		data string
	}{
		{protocol.StreamStdout, "compiling"},
		{protocol.StreamStderr, "warning: unused"},
		{protocol.StreamStdout, "done"},
	}
	for _, w := range want {
		f, err := h.Next(ctx)
		require.NoError(t, err)
		assert.False(t, f.Final)
		assert.Equal(t, w.kind, f.Stream)
		assert.Equal(t, w.data, string(f.Data))
	}

	f, err := h.Next(ctx)
	require.NoError(t, err)
	require.True(t, f.Final)
	res, err := command.ResultOf(f)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)

	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, inerrors.ErrStreamConsumed)
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, inerrors.ErrStreamConsumed)
}

func TestResultOfRejectsOutputFrame(t *testing.T) {
	_, err := command.ResultOf(session.Frame{Stream: protocol.StreamStdout, Data: []byte("x")})
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)
}

func TestRunDeadline(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := command.Run(ctx, s, &command.Command{Path: "/bin/sleep", Args: []string{"60"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ── daemons ──────────────────────────────────────────────────────────

func TestDaemonLifecycle(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)
	ctx := testCtx(t)

	d, err := command.NewDaemon(s, "sleeper", &command.Command{Path: "/bin/sleep", Args: []string{"600"}})
	require.NoError(t, err)
	assert.Equal(t, "sleeper", d.Name())

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, runnable.Unknown, st)

	require.NoError(t, d.Start(ctx))
	st, err = d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, runnable.Running, st)

	// Starting again is a no-op.
	require.NoError(t, d.Start(ctx))
	calls := func(n int) func() bool {
		return func() bool { return len(a.Commands.Calls()) == n }
	}
	require.Eventually(t, calls(1), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Restart(ctx))
	require.Eventually(t, calls(2), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop(ctx))
	info, err := d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, runnable.Stopped, info.State)
}

func TestDaemonOutlivesSession(t *testing.T) {
	a := agenttest.Start(t)
	ctx := testCtx(t)

	first := a.Open(t)
	d, err := command.NewDaemon(first, "worker", &command.Command{Path: "/bin/sleep"})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))
	first.Close()

	again, err := command.NewDaemon(a.Open(t), "worker", nil)
	require.NoError(t, err)
	st, err := again.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, runnable.Running, st)
	require.NoError(t, again.Stop(ctx))
}

func TestDaemonFailure(t *testing.T) {
	a := agenttest.Start(t)
	a.Commands.Handle("/bin/crash", func(context.Context, *protocol.CommandArgs, io.Writer, io.Writer) (int, error) {
		return 2, nil
	})
	s := a.Open(t)
	ctx := testCtx(t)

	d, err := command.NewDaemon(s, "crasher", &command.Command{Path: "/bin/crash"})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))

	require.Eventually(t, func() bool {
		info, err := d.Info(ctx)
		return err == nil && info.State == runnable.Failed && info.ExitCode == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDaemonStopWhileExiting(t *testing.T) {
	a := agenttest.Start(t)
	a.Commands.Handle("/bin/flaky", func(ctx context.Context, _ *protocol.CommandArgs, _, _ io.Writer) (int, error) {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(time.Millisecond):
			return 1, errors.New("lost its socket")
		}
	})
	s := a.Open(t)
	ctx := testCtx(t)

	for i := 0; i < 20; i++ {
		d, err := command.NewDaemon(s, fmt.Sprintf("flaky-%d", i), &command.Command{Path: "/bin/flaky"})
		require.NoError(t, err)
		require.NoError(t, d.Start(ctx))
		require.NoError(t, d.Stop(ctx))

		st, err := d.Status(ctx)
		require.NoError(t, err)
		assert.Contains(t, []runnable.State{runnable.Stopped, runnable.Failed}, st)
	}
}

func TestDaemonValidation(t *testing.T) {
	a := agenttest.Start(t)
	s := a.Open(t)

	_, err := command.NewDaemon(s, "", nil)
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)

	d, err := command.NewDaemon(s, "empty", nil)
	require.NoError(t, err)
	err = d.Start(testCtx(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "path"))
}
