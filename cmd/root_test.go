package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"inapi/internal/agent"
	"inapi/internal/capability"
	inerrors "inapi/internal/errors"
)

// cleanEnv keeps the caller's INAPI_* settings out of the tests.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"INAPI_HOSTS", "INAPI_INVENTORY", "INAPI_TOKEN", "INAPI_PORT", "INAPI_USER",
		"INAPI_AGENT_PASSWORD", "INAPI_AGENT_AUTHORIZED_KEYS", "INAPI_AGENT_TOKEN_SECRET",
	} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var out, errb bytes.Buffer
	root := newRoot(strings.NewReader(""), &out, &errb)
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	return out.String(), errb.String(), err
}

// startAgent serves an agent on the loopback and returns its port and a
// client key it accepts.
func startAgent(t *testing.T) (port string, key string) {
	t.Helper()
	key = filepath.Join(t.TempDir(), "client")
	if _, err := writeKeyPair(key, "test"); err != nil {
		t.Fatal(err)
	}
	keys, err := agent.LoadAuthorizedKeys(key + ".pub")
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := agent.GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	ag, err := agent.New(agent.Config{Name: "cli-test", StageDir: t.TempDir()},
		agent.Backends{Commands: &capability.Exec{}})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := agent.NewServer(ag, agent.ServerConfig{HostKey: hostKey, AuthorizedKeys: keys})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port), key
}

// ── Flag handling ────────────────────────────────────────────────────

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	out, _, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("output %q should contain %q", out, version)
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}} {
		name := "no-args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			out, _, err := execute(t, args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, "payload") {
				t.Errorf("help should list commands: %q", out)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags and commands produce an
// error.
func TestExecute_InvalidFlags(t *testing.T) {
	for _, args := range [][]string{{"--nonexistent-flag"}, {"frobnicate"}, {"run"}} {
		if _, _, err := execute(t, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestExecute_NoTargets(t *testing.T) {
	cleanEnv(t)
	_, _, err := execute(t, "run", "--", "/bin/true")
	var ce *inerrors.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if ce.Field != "hosts" {
		t.Errorf("Field = %q", ce.Field)
	}
}

func TestExecute_InvalidArguments(t *testing.T) {
	cleanEnv(t)
	tests := []struct {
		name string
		args []string
	}{
		{"bad mode", []string{"file", "chmod", "999", "/tmp/x", "-H", "h"}},
		{"bad var", []string{"template", "x.tmpl", "--var", "novalue", "-H", "h"}},
		{"zero parallel", []string{"telemetry", "-H", "h", "-P", "0"}},
		{"exec without id", []string{"payload", "exec", "run.sh", "-H", "h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := execute(t, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want os.FileMode
		ok   bool
	}{
		{"0644", 0o644, true},
		{"755", 0o755, true},
		{"4755", 0o4755, true},
		{"999", 0, false},
		{"rw-r--r--", 0, false},
		{"77777", 0, false},
	}
	for _, tt := range tests {
		got, err := parseMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}

// ── Agent administration ─────────────────────────────────────────────

func TestAgentServe_NoAuth(t *testing.T) {
	cleanEnv(t)
	_, _, err := execute(t, "agent", "serve", "--listen", "127.0.0.1:0")
	var ce *inerrors.ConfigError
	if !errors.As(err, &ce) || ce.Field != "authorized-keys" {
		t.Fatalf("err = %v, want authorized-keys ConfigError", err)
	}
}

func TestAgentToken(t *testing.T) {
	cleanEnv(t)
	out, _, err := execute(t, "agent", "token", "--secret", "s3cret", "--subject", "ci")
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := agent.NewTokens("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := tokens.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ci" {
		t.Errorf("Subject = %q", claims.Subject)
	}

	if _, _, err := execute(t, "agent", "token"); err == nil {
		t.Error("expected error without a secret")
	}
}

func TestAgentKeygen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "host_key")
	if _, _, err := execute(t, "agent", "keygen", p); err != nil {
		t.Fatal(err)
	}
	if _, err := agent.LoadHostKey(p); err != nil {
		t.Fatalf("LoadHostKey: %v", err)
	}
	if _, err := agent.LoadAuthorizedKeys(p + ".pub"); err != nil {
		t.Fatalf("LoadAuthorizedKeys: %v", err)
	}
	if _, _, err := execute(t, "agent", "keygen", p); err == nil {
		t.Error("keygen replaced an existing key")
	}
}

// ── Against a live agent ─────────────────────────────────────────────

func TestRun(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)

	out, _, err := execute(t, "run", "-H", "127.0.0.1", "-p", port, "--ssh-key", key, "-u", "ops",
		"--", "/bin/echo", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "hello\n") {
		t.Errorf("output %q should start with the command's stdout", out)
	}
	if !strings.Contains(out, "127.0.0.1: ok: exit 0") {
		t.Errorf("output %q should report success", out)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)

	_, _, err := execute(t, "run", "-H", "127.0.0.1", "-p", port, "--ssh-key", key, "--shell", "--", "exit", "3")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 3 {
		t.Fatalf("err = %v, want exit status 3", err)
	}
}

func TestRun_ManyHostsArePrefixed(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)

	out, _, err := execute(t, "run", "-H", "127.0.0.1:"+port+",ops@127.0.0.1:"+port, "--ssh-key", key,
		"--", "/bin/echo", "hi")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"[127.0.0.1:" + port + "] hi\n", "[ops@127.0.0.1:" + port + "] hi\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q should contain %q", out, want)
		}
	}
}

func TestRun_OneHostDown(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)

	// Grab a free port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	out, _, err := execute(t, "run", "-H", "127.0.0.1:"+port+",127.0.0.1:"+dead, "--ssh-key", key,
		"--retries", "1", "--", "/bin/true")
	if err == nil || !strings.Contains(err.Error(), "1 of 2 hosts failed") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "127.0.0.1:"+dead+": FAILED") {
		t.Errorf("output %q should report the dead host", out)
	}
}

func TestTelemetryJSON(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)

	out, _, err := execute(t, "telemetry", "--json", "-H", "127.0.0.1", "-p", port, "--ssh-key", key)
	if err != nil {
		t.Fatal(err)
	}
	var got []struct {
		Host string `json:"host"`
		OK   bool   `json:"ok"`
		Data struct {
			Hostname string
			Agent    string
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 1 || !got[0].OK {
		t.Fatalf("got %+v", got)
	}
	if got[0].Data.Agent != agent.Version {
		t.Errorf("Agent = %q, want %q", got[0].Data.Agent, agent.Version)
	}
	want, _ := os.Hostname()
	if got[0].Data.Hostname != want {
		t.Errorf("Hostname = %q, want %q", got[0].Data.Hostname, want)
	}
}

func TestFileWriteRead(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)
	conn := []string{"-H", "127.0.0.1", "-p", port, "--ssh-key", key}

	local := filepath.Join(t.TempDir(), "motd")
	if err := os.WriteFile(local, []byte("welcome\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "motd")

	out, _, err := execute(t, append([]string{"file", "write", remote, local, "--mode", "0600"}, conn...)...)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "changed") {
		t.Errorf("first write should change the host: %q", out)
	}
	out, _, err = execute(t, append([]string{"file", "write", remote, local, "--mode", "0600"}, conn...)...)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "changed") {
		t.Errorf("identical write should not change the host: %q", out)
	}

	out, _, err = execute(t, append([]string{"file", "read", remote}, conn...)...)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "welcome\n") {
		t.Errorf("read %q", out)
	}

	st, err := os.Stat(remote)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", st.Mode().Perm())
	}
}

func TestPayloadSend(t *testing.T) {
	cleanEnv(t)
	port, key := startAgent(t)

	dir := t.TempDir()
	script := "#!/bin/sh\necho \"deployed $1\"\n"
	if err := os.WriteFile(filepath.Join(dir, "deploy.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "payload", "send", dir, "deploy.sh", "--id", "cli-test",
		"-H", "127.0.0.1", "-p", port, "--ssh-key", key, "--", "prod")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "deployed prod\n") {
		t.Errorf("output %q should contain the entrypoint's stdout", out)
	}
	if !strings.Contains(out, "payload cli-test: 1 files") {
		t.Errorf("output %q should summarize the upload", out)
	}

	out, _, err = execute(t, "payload", "exec", "deploy.sh", "--id", "cli-test",
		"-H", "127.0.0.1", "-p", port, "--ssh-key", key, "--", "again")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "deployed again\n") {
		t.Errorf("re-exec output %q", out)
	}
}
