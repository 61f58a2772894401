// Package cmd wires up the inapi command tree.
package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version is overridable at link time:
//
//	go build -ldflags "-X inapi/cmd.version=0.5.0"
var version = "0.4.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected command.
func Execute(ctx context.Context, args []string) error {
	root := newRoot(os.Stdin, os.Stdout, os.Stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// app carries what every command shares: the global flags and the
// output streams.
type app struct {
	flags  globalFlags
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRoot(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "inapi",
		Short: "Run commands and manage state on remote hosts through inapi agents",
		Long: `inapi connects to agents over SSH and executes commands, transfers
files, manages packages, services and templates, and ships payloads.

Targets are inventory host names, group names or [user@]host[:port]
endpoints, passed with --hosts or INAPI_HOSTS.`,
		Example: `  inapi run -H web -- uptime
  inapi file upload -H db1 ./pg.conf /etc/postgresql/pg.conf --backup .bak
  inapi pkg install -H all nginx=1.24.0
  inapi payload send -H 10.0.0.5 ./deploy deploy.sh -- --env prod
  inapi agent serve --host-key /etc/inapi/host_key --authorized-keys ~/.ssh/authorized_keys`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	a.flags.register(root.PersistentFlags())

	root.AddCommand(
		a.runCmd(),
		a.daemonCmd(),
		a.fileCmd(),
		a.dirCmd(),
		a.pkgCmd(),
		a.serviceCmd(),
		a.templateCmd(),
		a.payloadCmd(),
		a.telemetryCmd(),
		a.agentCmd(),
	)
	return root
}
