// Package service controls system services on a host.  Service
// implements runnable.Runnable; every state is read live from the agent.
package service

import (
	"context"
	"fmt"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
	"inapi/runnable"
)

// Action is a service operation.
type Action int

const (
	Status Action = iota + 1
	Start
	Stop
	Restart
	Enable
	Disable
)

var actionNames = map[Action]string{
	Status:  "status",
	Start:   "start",
	Stop:    "stop",
	Restart: "restart",
	Enable:  "enable",
	Disable: "disable",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps a name from the command line.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, inerrors.Invalid("action", "unknown service action %q", s)
}

var actionOps = map[Action]protocol.Op{
	Status:  protocol.OpServiceStatus,
	Start:   protocol.OpServiceStart,
	Stop:    protocol.OpServiceStop,
	Restart: protocol.OpServiceRestart,
	Enable:  protocol.OpServiceEnable,
	Disable: protocol.OpServiceDisable,
}

// Result is the live state of a service after an action.
type Result struct {
	Name    string
	State   runnable.State
	Enabled bool
	Changed bool
}

// Do applies action to the service name.
//
// A restart whose stop succeeds but whose start fails returns a
// *StartFailedError; the service is left stopped.
func Do(ctx context.Context, ex session.Executor, name string, action Action) (*Result, error) {
	op, ok := actionOps[action]
	if !ok {
		return nil, inerrors.Invalid("action", "unknown service action %d", int(action))
	}
	if name == "" {
		return nil, inerrors.Invalid("name", "service name is required")
	}
	var res protocol.ServiceResult
	if err := session.Call(ctx, ex, op, &protocol.ServiceArgs{Name: name}, &res, nil); err != nil {
		return nil, mapError(name, err)
	}
	return &Result{
		Name:    res.Name,
		State:   runnable.FromWire(res.State),
		Enabled: res.Enabled,
		Changed: res.Changed,
	}, nil
}

// Service is a Runnable handle on one system service.
type Service struct {
	ex   session.Executor
	name string
}

var _ runnable.Runnable = (*Service)(nil)

// New returns a handle for the service name on ex.
func New(ex session.Executor, name string) *Service {
	return &Service{ex: ex, name: name}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Status asks the agent for the service's current state.
func (s *Service) Status(ctx context.Context) (runnable.State, error) {
	res, err := Do(ctx, s.ex, s.name, Status)
	if err != nil {
		return runnable.Unknown, err
	}
	return res.State, nil
}

// Start starts the service; a running service is left alone.
func (s *Service) Start(ctx context.Context) error {
	_, err := Do(ctx, s.ex, s.name, Start)
	return err
}

// Stop stops the service; a stopped service is left alone.
func (s *Service) Stop(ctx context.Context) error {
	_, err := Do(ctx, s.ex, s.name, Stop)
	return err
}

// Restart stops the service if it runs and starts it again.  See Do for
// the failure that leaves it stopped.
func (s *Service) Restart(ctx context.Context) error {
	_, err := Do(ctx, s.ex, s.name, Restart)
	return err
}

// Enable makes the service start at boot.
func (s *Service) Enable(ctx context.Context) error {
	_, err := Do(ctx, s.ex, s.name, Enable)
	return err
}

// Disable reverses Enable.
func (s *Service) Disable(ctx context.Context) error {
	_, err := Do(ctx, s.ex, s.name, Disable)
	return err
}

// StartFailedError reports a service that did not start.  It matches
// errors.ErrServiceStartFailed.
type StartFailedError struct {
	Service string
	Reason  string
	// State is the state the agent found the service in after the
	// failure.  A restart whose stop succeeded reports Stopped here;
	// a plain start reports Unknown.
	State runnable.State
	Err   *inerrors.DomainError
}

func (e *StartFailedError) Error() string {
	msg := fmt.Sprintf("service %s failed to start: %s", e.Service, e.Reason)
	if e.State == runnable.Stopped {
		msg += " (service left stopped)"
	}
	return msg
}

// LeftStopped reports whether the failure left the service stopped.
func (e *StartFailedError) LeftStopped() bool { return e.State == runnable.Stopped }

func (e *StartFailedError) Unwrap() error { return e.Err }

// StopFailedError reports a service that did not stop.  It matches
// errors.ErrServiceStopFailed.
type StopFailedError struct {
	Service string
	Reason  string
	Err     *inerrors.DomainError
}

func (e *StopFailedError) Error() string {
	return fmt.Sprintf("service %s failed to stop: %s", e.Service, e.Reason)
}

func (e *StopFailedError) Unwrap() error { return e.Err }

// mapError lifts start and stop failures into their typed errors.
func mapError(name string, err error) error {
	var de *inerrors.DomainError
	if !inerrors.As(err, &de) {
		return err
	}
	reason := de.Detail
	if reason == "" {
		reason = de.Message
	}
	switch de.Code {
	case inerrors.CodeServiceStartFailed:
		return &StartFailedError{
			Service: name,
			Reason:  reason,
			State:   runnable.FromWire(protocol.RunState(de.State)),
			Err:     de,
		}
	case inerrors.CodeServiceStopFailed:
		return &StopFailedError{Service: name, Reason: reason, Err: de}
	}
	return err
}
