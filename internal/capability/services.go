package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

// DetectServices returns the systemd backend when PID 1 is systemd and
// the sysvinit backend otherwise.
func DetectServices(run Runner) *Services {
	if exe, err := os.Readlink("/proc/1/exe"); err == nil && strings.Contains(exe, "systemd") {
		return &Services{run: run, init: systemd}
	}
	if _, err := os.Stat("/run/systemd/system"); err == nil {
		return &Services{run: run, init: systemd}
	}
	return &Services{run: run, init: sysvinit, rcRoot: "/etc"}
}

type initSystem int

const (
	systemd initSystem = iota
	sysvinit
)

// Services implements agent.ServiceManager.
type Services struct {
	run    Runner
	init   initSystem
	rcRoot string // parent of the rcN.d directories
}

// NewSystemd and NewSysvinit select a backend explicitly.
func NewSystemd(run Runner) *Services { return &Services{run: run, init: systemd} }

func NewSysvinit(run Runner, rcRoot string) *Services {
	return &Services{run: run, init: sysvinit, rcRoot: rcRoot}
}

func (s *Services) Status(ctx context.Context, name string) (protocol.RunState, bool, error) {
	if s.init == systemd {
		return s.systemdStatus(ctx, name)
	}
	out, code, err := s.run(ctx, nil, "service", name, "status")
	if err != nil {
		return protocol.RunUnknown, false, err
	}
	var state protocol.RunState
	switch code {
	case 0:
		state = protocol.RunRunning
	case 1, 2, 3:
		// LSB: 1 and 2 mean dead with a stale pid or lock file.
		state = protocol.RunStopped
		if code != 3 {
			state = protocol.RunFailed
		}
	default:
		if strings.Contains(out, "unrecognized service") {
			return protocol.RunUnknown, false, notFound(name)
		}
		state = protocol.RunUnknown
	}
	return state, s.rcEnabled(name), nil
}

func (s *Services) systemdStatus(ctx context.Context, name string) (protocol.RunState, bool, error) {
	out, _, err := s.run(ctx, nil, "systemctl", "show", name, "--property=LoadState,ActiveState,UnitFileState")
	if err != nil {
		return protocol.RunUnknown, false, err
	}
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			props[k] = v
		}
	}
	if props["LoadState"] == "not-found" {
		return protocol.RunUnknown, false, notFound(name)
	}

	var state protocol.RunState
	switch props["ActiveState"] {
	case "active", "reloading", "activating":
		state = protocol.RunRunning
	case "inactive", "deactivating":
		state = protocol.RunStopped
	case "failed":
		state = protocol.RunFailed
	default:
		state = protocol.RunUnknown
	}
	enabled := strings.HasPrefix(props["UnitFileState"], "enabled")
	return state, enabled, nil
}

// rcEnabled reports whether a start link exists in any multi-user
// runlevel directory.
func (s *Services) rcEnabled(name string) bool {
	for _, lvl := range []string{"2", "3", "4", "5"} {
		matches, _ := filepath.Glob(filepath.Join(s.rcRoot, "rc"+lvl+".d", "S[0-9][0-9]"+name))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

func (s *Services) Start(ctx context.Context, name string) error {
	return s.action(ctx, name, "start")
}

func (s *Services) Stop(ctx context.Context, name string) error {
	return s.action(ctx, name, "stop")
}

func (s *Services) Enable(ctx context.Context, name string) error {
	return s.action(ctx, name, "enable")
}

func (s *Services) Disable(ctx context.Context, name string) error {
	return s.action(ctx, name, "disable")
}

func (s *Services) action(ctx context.Context, name, action string) error {
	var (
		bin  string
		args []string
	)
	switch {
	case s.init == systemd:
		bin, args = "systemctl", []string{action, name}
	case action == "enable" || action == "disable":
		bin, args = "update-rc.d", []string{name, action}
	default:
		bin, args = "service", []string{name, action}
	}
	out, code, err := s.run(ctx, nil, bin, args...)
	if err != nil {
		return err
	}
	if code != 0 {
		msg := lastLine(out)
		if msg == "" {
			msg = fmt.Sprintf("%s exited %d", bin, code)
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func notFound(name string) error {
	return inerrors.Domain(inerrors.CodeNotFound, "service %s not found", name)
}
