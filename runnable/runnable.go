// Package runnable defines the lifecycle contract shared by services and
// supervised daemons.
package runnable

import (
	"context"

	"inapi/internal/protocol"
)

// State is the live state of a Runnable.  It is always read from the
// agent and never cached.
type State int

const (
	Unknown State = iota
	Running
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FromWire maps the protocol run state.
func FromWire(s protocol.RunState) State {
	switch s {
	case protocol.RunRunning:
		return Running
	case protocol.RunStopped:
		return Stopped
	case protocol.RunFailed:
		return Failed
	default:
		return Unknown
	}
}

// Runnable is something on a host that can be started and stopped.
// Start on a running target and Stop on a stopped one succeed without
// doing anything.
type Runnable interface {
	Status(ctx context.Context) (State, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}
