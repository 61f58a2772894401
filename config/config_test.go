package config

import (
	"errors"
	"testing"
	"time"

	inerrors "inapi/internal/errors"
)

// ── ParseEndpoint ────────────────────────────────────────────────────

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "deploy@web1.example.com:2222", "deploy", "web1.example.com", 2222, false},
		{"no port", "root@db1", "root", "db1", 0, false},
		{"no user", "cache-1:7101", "", "cache-1", 7101, false},
		{"host only", "10.0.0.5", "", "10.0.0.5", 0, false},
		{"ipv6", "ops@[::1]:7200", "ops", "::1", 7200, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"zero port", "host:0", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
		{"trailing colon", "host:", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseEndpoint(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── Host resolution ──────────────────────────────────────────────────

func inventory() *Config {
	cfg := Default()
	cfg.Defaults.User = "ops"
	cfg.Defaults.KeyPath = "/keys/id_ed25519"
	cfg.Hosts = map[string]HostConfig{
		"web1": {Address: "10.0.0.1"},
		"web2": {Address: "deploy@10.0.0.2:2222", KeyPath: "/keys/web"},
		"db1":  {Address: "10.0.0.9", User: "postgres"},
	}
	cfg.Groups = map[string][]string{
		"web": {"web1", "web2"},
	}
	return cfg
}

func TestHost(t *testing.T) {
	cfg := inventory()

	tests := []struct {
		name    string
		target  string
		address string
		user    string
		port    int
		key     string
	}{
		{"defaults merged", "web1", "10.0.0.1", "ops", DefaultAgentPort, "/keys/id_ed25519"},
		{"address overrides", "web2", "10.0.0.2", "deploy", 2222, "/keys/web"},
		{"explicit user", "db1", "10.0.0.9", "postgres", DefaultAgentPort, "/keys/id_ed25519"},
		{"ad hoc endpoint", "admin@build.local:7300", "build.local", "admin", 7300, "/keys/id_ed25519"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := cfg.Host(tt.target)
			if err != nil {
				t.Fatal(err)
			}
			if h.Name != tt.target {
				t.Errorf("Name = %q", h.Name)
			}
			if h.Address != tt.address || h.User != tt.user || h.Port != tt.port || h.KeyPath != tt.key {
				t.Errorf("got %s@%s:%d key=%s", h.User, h.Address, h.Port, h.KeyPath)
			}
			if h.ConnTimeout != DefaultConnTimeout {
				t.Errorf("ConnTimeout = %v", h.ConnTimeout)
			}
		})
	}
}

func TestHostFallsBackToCurrentUser(t *testing.T) {
	t.Setenv("USER", "alice")
	h, err := Default().Host("box")
	if err != nil {
		t.Fatal(err)
	}
	if h.User != "alice" {
		t.Errorf("User = %q, want alice", h.User)
	}
}

func TestHostInvalidAddress(t *testing.T) {
	_, err := Default().Host("a:b:c")
	var ce *inerrors.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if ce.Field != "host" {
		t.Errorf("Field = %q", ce.Field)
	}
}

func TestResolve(t *testing.T) {
	cfg := inventory()

	tests := []struct {
		name    string
		targets []string
		want    []string
	}{
		{"group", []string{"web"}, []string{"web1", "web2"}},
		{"all sorted", []string{"all"}, []string{"db1", "web1", "web2"}},
		{"dedup", []string{"web2", "web", "web1"}, []string{"web2", "web1"}},
		{"mixed", []string{"db1", "10.1.1.1"}, []string{"db1", "10.1.1.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, err := cfg.Resolve(tt.targets)
			if err != nil {
				t.Fatal(err)
			}
			if len(hosts) != len(tt.want) {
				t.Fatalf("got %d hosts, want %d", len(hosts), len(tt.want))
			}
			for i, h := range hosts {
				if h.Name != tt.want[i] {
					t.Errorf("hosts[%d] = %q, want %q", i, h.Name, tt.want[i])
				}
			}
		})
	}
}

func TestResolveNoTargets(t *testing.T) {
	_, err := inventory().Resolve(nil)
	var ce *inerrors.ConfigError
	if !errors.As(err, &ce) || ce.Hint == "" {
		t.Fatalf("err = %v, want ConfigError with hint", err)
	}
}

// ── Adapters ─────────────────────────────────────────────────────────

func TestHostSSH(t *testing.T) {
	h := HostConfig{
		Address:       "10.0.0.1",
		User:          "ops",
		Port:          7101,
		KeyPath:       "/k",
		UseAgent:      true,
		StrictHostKey: true,
		KnownHosts:    "/kh",
		ConnTimeout:   5 * time.Second,
		KeepAlive:     -1,
	}
	s := h.SSH()
	if s.Host != "10.0.0.1" || s.User != "ops" || s.Port != 7101 || s.KeyPath != "/k" {
		t.Errorf("unexpected ssh config %+v", s)
	}
	if !s.UseAgent || !s.StrictHostKey || s.KnownHosts != "/kh" || s.ConnTimeout != 5*time.Second {
		t.Errorf("unexpected ssh config %+v", s)
	}
	if s.KeepAlive >= 0 {
		t.Errorf("KeepAlive = %v, want disabled", s.KeepAlive)
	}
}

func TestRetryAdapters(t *testing.T) {
	r := Default().Retry
	b := r.Backoff()
	if b == nil {
		t.Fatal("Backoff() = nil")
	}
	if b.MaxAttempts != DefaultRetryAttempts || b.InitialDelay != DefaultRetryDelay || b.MaxDelay != DefaultRetryMaxDelay {
		t.Errorf("unexpected backoff %+v", b)
	}
	cb := r.Breaker()
	if cb == nil || cb.MaxFailures != DefaultBreakerFailures || cb.ResetTimeout != DefaultBreakerReset {
		t.Errorf("unexpected breaker %+v", cb)
	}

	if (RetryConfig{Attempts: 1}).Backoff() != nil {
		t.Error("a single attempt should disable the backoff")
	}
	if (RetryConfig{}).Breaker() != nil {
		t.Error("zero failures should disable the breaker")
	}
}

func TestMerge(t *testing.T) {
	d := HostConfig{User: "ops", Port: 7101, Token: "t", UseAgent: true}
	h := HostConfig{User: "root"}.Merge(d)
	if h.User != "root" || h.Port != 7101 || h.Token != "t" || !h.UseAgent {
		t.Errorf("Merge = %+v", h)
	}
}
