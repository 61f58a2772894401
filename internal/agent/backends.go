package agent

import (
	"context"
	"io"

	"inapi/internal/protocol"
)

// CommandRunner executes processes on the host.
type CommandRunner interface {
	// Run executes cmd to completion, copying its output to stdout and
	// stderr.  A process that ran and exited non-zero is reported through
	// exitCode with a nil error.
	Run(ctx context.Context, cmd *protocol.CommandArgs, stdout, stderr io.Writer) (exitCode int, err error)
}

// ProcessStarter is implemented by runners that can report the pid of a
// started process.  The daemon supervisor prefers it over Run.
type ProcessStarter interface {
	Start(ctx context.Context, cmd *protocol.CommandArgs, stdout, stderr io.Writer) (pid int, wait func() (int, error), err error)
}

// PackageManager drives one or more package providers.  Provider names
// are the ones DefaultProvider returns ("apt", "dnf", ...).
type PackageManager interface {
	DefaultProvider(ctx context.Context) (string, error)
	// Query returns the installed version, or installed=false.
	Query(ctx context.Context, provider, name string) (version string, installed bool, err error)
	// Install installs name, optionally pinned to version.  Unknown
	// packages fail with errors.ErrPackageNotFound.
	Install(ctx context.Context, provider, name, version string) error
	Uninstall(ctx context.Context, provider, name string) error
}

// ServiceManager controls system services.
type ServiceManager interface {
	Status(ctx context.Context, name string) (state protocol.RunState, enabled bool, err error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
}

// Renderer renders template source against variable bindings.
type Renderer interface {
	Render(source []byte, vars map[string]interface{}) ([]byte, error)
}

// Backends bundles the host-facing collaborators of an Agent.  A nil
// backend makes its operations fail with errors.ErrUnsupported.
type Backends struct {
	Commands CommandRunner
	Packages PackageManager
	Services ServiceManager
	Renderer Renderer
}
