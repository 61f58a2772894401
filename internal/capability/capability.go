// Package capability implements the agent backends against the local
// host: process execution, package providers, service managers and
// template rendering.  Each backend shells out through a Runner, which
// keeps them testable without touching the real system.
package capability

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"inapi/internal/agent"
	"inapi/util"
)

// Runner executes a helper program to completion and returns its
// combined output.  A non-zero exit is reported through code with a nil
// error; err is reserved for programs that could not run at all.
type Runner func(ctx context.Context, env []string, name string, args ...string) (out string, code int, err error)

// System runs helpers with os/exec.
func System(ctx context.Context, env []string, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return buf.String(), -1, err
	}
	return buf.String(), 0, nil
}

// Local returns the backends of the host the agent runs on.
func Local(logger *util.Logger) agent.Backends {
	if logger == nil {
		logger = util.Discard()
	}
	return agent.Backends{
		Commands: &Exec{Logger: logger.Named("exec")},
		Packages: NewPackages(System),
		Services: DetectServices(System),
		Renderer: Templates{},
	}
}
