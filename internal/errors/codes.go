package errors

import (
	"errors"
	"fmt"
	"io/fs"
)

// Code is the numeric error code carried by an Error frame.
type Code uint16

const (
	CodeAgent Code = iota + 1
	CodeInvalidArgument
	CodeUnsupported
	CodeUnauthenticated
	CodeNotFound
	CodePermissionDenied
	CodeFileExists
	CodePackageNotFound
	CodeServiceStartFailed
	CodeServiceStopFailed
	CodeRenderFailed
	CodeChecksumMismatch
)

// ── Domain sentinels ─────────────────────────────────────────────────

var (
	ErrAgent              = errors.New("agent error")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnsupported        = errors.New("unsupported operation")
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrFileExists         = errors.New("file exists")
	ErrPackageNotFound    = errors.New("package not found")
	ErrServiceStartFailed = errors.New("service start failed")
	ErrServiceStopFailed  = errors.New("service stop failed")
	ErrRenderFailed       = errors.New("render failed")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
)

var codeSentinels = map[Code]error{
	CodeAgent:              ErrAgent,
	CodeInvalidArgument:    ErrInvalidArgument,
	CodeUnsupported:        ErrUnsupported,
	CodeUnauthenticated:    ErrAuthFailed,
	CodeNotFound:           ErrNotFound,
	CodePermissionDenied:   ErrPermissionDenied,
	CodeFileExists:         ErrFileExists,
	CodePackageNotFound:    ErrPackageNotFound,
	CodeServiceStartFailed: ErrServiceStartFailed,
	CodeServiceStopFailed:  ErrServiceStopFailed,
	CodeRenderFailed:       ErrRenderFailed,
	CodeChecksumMismatch:   ErrChecksumMismatch,
}

// Sentinel returns the sentinel error matched by errors.Is for code c.
func (c Code) Sentinel() error {
	if s, ok := codeSentinels[c]; ok {
		return s
	}
	return ErrAgent
}

func (c Code) String() string {
	return c.Sentinel().Error()
}

// DomainError is a typed failure reported by the agent for a single
// request. It matches the sentinel for its Code under errors.Is.
type DomainError struct {
	Code    Code
	Message string
	Detail  string
	// State is the wire run state the target was left in, when the
	// failure changed it.  Zero means not reported.
	State uint8
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Is(target error) bool { return target == e.Code.Sentinel() }

// Domain builds a DomainError with a formatted message.
func Domain(code Code, format string, args ...interface{}) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invalid reports a request that failed client- or agent-side validation.
func Invalid(field, format string, args ...interface{}) *DomainError {
	return &DomainError{
		Code:    CodeInvalidArgument,
		Message: field + ": " + fmt.Sprintf(format, args...),
	}
}

// CodeOf maps err onto the closest wire code. Filesystem errors are
// classified through io/fs so os.PathError values map naturally.
func CodeOf(err error) Code {
	var de *DomainError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &de):
		return de.Code
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, fs.ErrExist):
		return CodeFileExists
	case errors.Is(err, fs.ErrInvalid):
		return CodeInvalidArgument
	}
	for code, sentinel := range codeSentinels {
		if code != CodeAgent && errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeAgent
}
