package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"inapi/command"
)

// exitError reports a command that ran but exited non-zero.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// ExitCode lets main exit with the remote command's status.
func (e *exitError) ExitCode() int { return e.code }

type commandView struct {
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (a *app) runCmd() *cobra.Command {
	var (
		shell     bool
		env       []string
		dir       string
		tty       bool
		stdinFile string
	)
	c := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command on every target",
		Example: `  inapi run -H web -- /usr/bin/uptime
  inapi run -H db1 --shell -- 'pg_dump app | gzip > /var/backups/app.gz'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stdin, err := a.readInput(stdinFile)
			if err != nil {
				return err
			}
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				c := &command.Command{Path: args[0], Args: args[1:]}
				if shell {
					c = command.Shell(strings.Join(args, " "))
				}
				c.Env, c.Dir, c.TTY, c.Stdin = env, dir, tty, stdin
				c.Stdout, c.Stderr = t.stdout, t.stderr

				res, err := command.Run(ctx, t.Host, c)
				if err != nil {
					return err
				}
				t.out.Summary = fmt.Sprintf("exit %d in %s", res.ExitCode, res.Duration)
				if t.cfg.JSON {
					t.out.Data = commandView{
						ExitCode: res.ExitCode,
						Duration: res.Duration.String(),
						Stdout:   string(res.Stdout),
						Stderr:   string(res.Stderr),
					}
				}
				if !res.Success() {
					return &exitError{code: res.ExitCode}
				}
				return nil
			})
		},
	}
	f := c.Flags()
	f.BoolVarP(&shell, "shell", "s", false, "Run the arguments as one /bin/sh command line")
	f.StringArrayVarP(&env, "env", "e", nil, "Environment KEY=value (repeatable)")
	f.StringVarP(&dir, "dir", "d", "", "Working directory")
	f.BoolVarP(&tty, "tty", "t", false, "Allocate a pseudo-terminal")
	f.StringVar(&stdinFile, "stdin", "", "File fed to the command's stdin (- for this process's stdin)")
	return c
}

// readInput reads path, or all of stdin for "-".  An empty path reads
// nothing.
func (a *app) readInput(path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(a.stdin)
	default:
		return os.ReadFile(path)
	}
}

// ── daemon ───────────────────────────────────────────────────────────

type daemonView struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func (a *app) daemonCmd() *cobra.Command {
	var (
		env []string
		dir string
	)
	c := &cobra.Command{
		Use:   "daemon",
		Short: "Supervise long-running commands on the agent",
	}

	action := func(use, short string, needsCommand bool) *cobra.Command {
		args := cobra.ExactArgs(1)
		if needsCommand {
			args = cobra.MinimumNArgs(2)
		}
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				name := args[0]
				var spec *command.Command
				if needsCommand {
					spec = &command.Command{Path: args[1], Args: args[2:], Env: env, Dir: dir}
				}
				verb := cmd.Name()
				return a.fanOut(cmd, func(ctx context.Context, t *target) error {
					d, err := command.NewDaemon(t.Host, name, spec)
					if err != nil {
						return err
					}
					switch verb {
					case "start":
						err = d.Start(ctx)
					case "stop":
						err = d.Stop(ctx)
					case "restart":
						err = d.Restart(ctx)
					}
					if err != nil {
						return err
					}
					info, err := d.Info(ctx)
					if err != nil {
						return err
					}
					t.out.Changed = verb != "status"
					t.out.Summary = fmt.Sprintf("%s %s pid=%d exit=%d", name, info.State, info.PID, info.ExitCode)
					t.out.Data = daemonView{Name: name, State: info.State.String(), PID: info.PID, ExitCode: info.ExitCode}
					return nil
				})
			},
		}
	}

	start := action("start <name> -- <command> [args...]", "Start a daemon unless it already runs", true)
	start.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment KEY=value (repeatable)")
	start.Flags().StringVarP(&dir, "dir", "d", "", "Working directory")
	restart := action("restart <name> -- <command> [args...]", "Stop a daemon and start it again", true)
	restart.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment KEY=value (repeatable)")
	restart.Flags().StringVarP(&dir, "dir", "d", "", "Working directory")

	c.AddCommand(
		start,
		action("stop <name>", "Stop a daemon", false),
		restart,
		action("status <name>", "Show a daemon's state", false),
	)
	return c
}

// elapsed formats d for summaries.
func elapsed(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
