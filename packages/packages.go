// Package packages installs, removes and queries packages through the
// host's package manager.  Idempotence is decided live by the agent.
package packages

import (
	"context"
	"fmt"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
)

// Action selects what Do does.
type Action int

const (
	Install Action = iota + 1
	Uninstall
	Query
)

func (a Action) String() string {
	switch a {
	case Install:
		return "install"
	case Uninstall:
		return "uninstall"
	case Query:
		return "query"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps a name from the command line.
func ParseAction(s string) (Action, error) {
	switch s {
	case "install":
		return Install, nil
	case "uninstall", "remove":
		return Uninstall, nil
	case "query", "status":
		return Query, nil
	}
	return 0, inerrors.Invalid("action", "unknown package action %q", s)
}

func (a Action) op() (protocol.Op, error) {
	switch a {
	case Install:
		return protocol.OpPackageInstall, nil
	case Uninstall:
		return protocol.OpPackageUninstall, nil
	case Query:
		return protocol.OpPackageQuery, nil
	}
	return 0, inerrors.Invalid("action", "unknown package action %d", int(a))
}

// Package names a package.  Version pins an install; Provider overrides
// the host's default package manager.
type Package struct {
	Name     string
	Version  string
	Provider string
}

// Result is the package's state after the action.
type Result struct {
	Name      string
	Provider  string
	Version   string // installed version, empty when not installed
	Installed bool
	Changed   bool
}

// Do applies action to p.  Installing an unknown package fails with
// ErrPackageNotFound.
func Do(ctx context.Context, ex session.Executor, action Action, p Package) (*Result, error) {
	op, err := action.op()
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, inerrors.Invalid("name", "package name is required")
	}
	var info protocol.PackageInfo
	args := &protocol.PackageArgs{Name: p.Name, Version: p.Version, Provider: p.Provider}
	if err := session.Call(ctx, ex, op, args, &info, nil); err != nil {
		return nil, err
	}
	return &Result{
		Name:      info.Name,
		Provider:  info.Provider,
		Version:   info.Version,
		Installed: info.Installed,
		Changed:   info.Changed,
	}, nil
}

// DefaultProvider returns the package manager the agent uses when none
// is named.
func DefaultProvider(ctx context.Context, ex session.Executor) (string, error) {
	var info protocol.PackageInfo
	if err := session.Call(ctx, ex, protocol.OpPackageProvider, &protocol.PackageArgs{}, &info, nil); err != nil {
		return "", err
	}
	return info.Provider, nil
}
