package errors

import (
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"testing"
)

func TestNetworkError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  NetworkError
		want string
	}{
		{
			name: "retryable",
			err:  NetworkError{Op: "dial", Addr: "web1:7101", Err: io.EOF, Retryable: true},
			want: "dial web1:7101: EOF (retryable)",
		},
		{
			name: "terminal",
			err:  NetworkError{Op: "send", Addr: "web1:7101", Err: fmt.Errorf("broken pipe")},
			want: "send web1:7101: broken pipe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Op: "dial", Addr: "x", Err: io.EOF}
	if !Is(err, io.EOF) {
		t.Error("should unwrap to io.EOF")
	}
}

func TestSSHError_Format(t *testing.T) {
	err := WrapSSH("handshake", "db1.example.com", 7101, fmt.Errorf("connection refused"))
	want := "ssh handshake db1.example.com:7101: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAuthError(t *testing.T) {
	err := &AuthError{Host: "web1", Err: fmt.Errorf("no supported methods remain")}
	if !Is(err, ErrAuthFailed) {
		t.Error("AuthError should match ErrAuthFailed")
	}
	if IsRetryable(err) {
		t.Error("auth failures are terminal")
	}
	want := "auth web1: authentication failed: no supported methods remain"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSessionClosedError(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  string
	}{
		{"explicit close", nil, "session closed"},
		{"transport died", io.ErrUnexpectedEOF, "session closed: unexpected EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Closed(tt.cause)
			if !Is(err, ErrSessionClosed) {
				t.Error("should match ErrSessionClosed")
			}
			if got := err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if tt.cause != nil && !Is(err, tt.cause) {
				t.Error("should unwrap to cause")
			}
		})
	}
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Op: "decode", RequestID: 7, Err: io.ErrShortBuffer}
	if !Is(err, ErrProtocol) {
		t.Error("should match ErrProtocol")
	}
	want := "protocol decode (request 7): short buffer"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	um := &UnknownMessageError{Tag: 0x7f, RequestID: 3}
	if !Is(um, ErrUnknownMessage) || !Is(um, ErrProtocol) {
		t.Error("unknown message should match ErrUnknownMessage and ErrProtocol")
	}
}

func TestDomainError(t *testing.T) {
	err := Domain(CodeServiceStartFailed, "port in use")
	if !Is(err, ErrServiceStartFailed) {
		t.Error("should match ErrServiceStartFailed")
	}
	if Is(err, ErrServiceStopFailed) {
		t.Error("should not match a different code")
	}
	if got, want := err.Error(), "service start failed: port in use"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, 0},
		{"domain", Domain(CodePackageNotFound, "nope"), CodePackageNotFound},
		{"not exist", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, CodeNotFound},
		{"permission", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, CodePermissionDenied},
		{"exists", fmt.Errorf("copy: %w", fs.ErrExist), CodeFileExists},
		{"wrapped sentinel", fmt.Errorf("render: %w", ErrRenderFailed), CodeRenderFailed},
		{"plain", fmt.Errorf("boom"), CodeAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "port",
				Value:   99999,
				Message: "out of range 1-65535",
				Hint:    "use a port between 1 and 65535",
			},
			want: "config: --port=99999: out of range 1-65535\n  hint: use a port between 1 and 65535",
		},
		{
			name: "missing value no hint",
			err: ConfigError{
				Field:   "host",
				Message: "at least one host is required",
			},
			want: "config: --host: at least one host is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := Wrap("dial", "10.0.0.1:7101", inner)

	if err.Op != "dial" || err.Addr != "10.0.0.1:7101" {
		t.Errorf("wrong fields: Op=%q Addr=%q", err.Op, err.Addr)
	}
	if !Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: true}, true},
		{"terminal network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: false}, false},
		{"auth", &AuthError{Host: "x"}, false},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	ne := &NetworkError{Op: "read", Addr: "x", Err: io.EOF, Retryable: true}
	if !IsTemporary(ne) {
		t.Error("expected temporary")
	}
}

func TestClassifyRetryable_NetOpError(t *testing.T) {
	opErr := &net.OpError{
		Op:  "read",
		Net: "tcp",
		Err: &net.DNSError{IsTemporary: true},
	}
	if !classifyRetryable(opErr) {
		t.Error("temporary OpError should be retryable")
	}
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}
	if !classifyRetryable(dial) {
		t.Error("dial failures should be retryable")
	}
}

func TestSentinels(t *testing.T) {
	sentinels := []error{
		ErrSessionClosed, ErrNotConnected, ErrCircuitOpen,
		ErrTimeout, ErrAuthFailed, ErrHostKeyMismatch,
		ErrUnknownMessage, ErrProtocol, ErrStreamConsumed,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}
