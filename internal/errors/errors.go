// Package errors provides domain-specific error types for inapi.
//
// These types carry structured context (operation, address, retryability,
// agent error codes) that helps callers decide how to handle failures and
// provides better diagnostics than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrNotConnected    = errors.New("not connected")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrProtocol        = errors.New("protocol error")
	ErrStreamConsumed  = errors.New("stream already consumed")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "send", "read", "open-channel"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // transient (true) or terminal (false)
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "channel", "accept"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// AuthError is returned when the agent rejects the presented credentials,
// either during the SSH handshake or the session hello.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth %s: %v", e.Host, ErrAuthFailed)
	}
	return fmt.Sprintf("auth %s: %v: %v", e.Host, ErrAuthFailed, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

// ProtocolError reports a malformed or unexpected frame. Fatal errors mean
// the byte stream cannot be resynchronised and the session must close.
type ProtocolError struct {
	Op        string
	RequestID uint64
	Err       error
	Fatal     bool
}

func (e *ProtocolError) Error() string {
	s := "protocol " + e.Op
	if e.RequestID != 0 {
		s += fmt.Sprintf(" (request %d)", e.RequestID)
	}
	return s + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// UnknownMessageError is produced when a frame carries a tag this build
// does not recognise. The frame has been consumed.
type UnknownMessageError struct {
	Tag       uint8
	RequestID uint64
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message tag 0x%02x (request %d)", e.Tag, e.RequestID)
}

func (e *UnknownMessageError) Is(target error) bool {
	return target == ErrUnknownMessage || target == ErrProtocol
}

// SessionClosedError is delivered to every request still pending when a
// session ends. Cause is nil for an explicit close.
type SessionClosedError struct {
	Cause error
}

func (e *SessionClosedError) Error() string {
	if e.Cause == nil {
		return ErrSessionClosed.Error()
	}
	return fmt.Sprintf("%v: %v", ErrSessionClosed, e.Cause)
}

func (e *SessionClosedError) Unwrap() error { return e.Cause }

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Closed returns a SessionClosedError with the given cause.
func Closed(cause error) error {
	return &SessionClosedError{Cause: cause}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrHostKeyMismatch) {
		return false
	}
	return classifyRetryable(err)
}

// IsTemporary reports whether err represents a temporary condition.
func IsTemporary(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return true
		}
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use inapi/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
