package config

// loader.go - configuration loading from inventory files and
// environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/)
//   2. Environment variables  (this file)
//   3. Inventory file  (this file)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ── Inventory files ──────────────────────────────────────────────────

// LoadFile overlays the YAML inventory at path onto cfg.  Keys absent
// from the file keep their current value; unknown keys are an error.
func LoadFile(cfg *Config, path string) error {
	if err := decodeFile(path, cfg); err != nil {
		return err
	}
	for name, h := range cfg.Hosts {
		h.Name = name
		cfg.Hosts[name] = h
	}
	return nil
}

// LoadAgentFile overlays the YAML agent settings at path onto cfg.
func LoadAgentFile(cfg *AgentConfig, path string) error {
	return decodeFile(path, cfg)
}

func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the INAPI_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	d := &cfg.Defaults
	if v := os.Getenv("INAPI_USER"); v != "" {
		d.User = v
	}
	if v := envInt("INAPI_PORT"); v > 0 {
		d.Port = v
	}
	if v := os.Getenv("INAPI_SSH_KEY"); v != "" {
		d.KeyPath = v
	}
	if v := os.Getenv("INAPI_PASSWORD"); v != "" {
		d.Password = v
	}
	if envBool("INAPI_SSH_AGENT") {
		d.UseAgent = true
	}
	if envBool("INAPI_STRICT_HOSTKEY") {
		d.StrictHostKey = true
	}
	if v := os.Getenv("INAPI_KNOWN_HOSTS"); v != "" {
		d.KnownHosts = v
	}
	if v := os.Getenv("INAPI_TOKEN"); v != "" {
		d.Token = v
	}
	if v := envInt("INAPI_CONN_TIMEOUT"); v > 0 {
		d.ConnTimeout = secondsDuration(v)
	}
	if v := envInt("INAPI_KEEPALIVE"); v != 0 {
		d.KeepAlive = secondsDuration(v)
	}

	// Execution
	if v := envInt("INAPI_PARALLEL"); v > 0 {
		cfg.Parallel = v
	}
	if v := envInt("INAPI_TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}
	if v := envInt("INAPI_RETRIES"); v > 0 {
		cfg.Retry.Attempts = v
	}

	// Output
	if v := envInt("INAPI_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("INAPI_JSON") {
		cfg.JSON = true
	}
}

// EnvHosts returns the comma separated targets in INAPI_HOSTS.
func EnvHosts() []string {
	var out []string
	for _, h := range strings.Split(os.Getenv("INAPI_HOSTS"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// LoadAgentFromEnv overlays INAPI_AGENT_* variables onto cfg.  Secrets
// are better passed here than on the command line.
func LoadAgentFromEnv(cfg *AgentConfig) {
	if v := os.Getenv("INAPI_AGENT_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("INAPI_AGENT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("INAPI_AGENT_HOST_KEY"); v != "" {
		cfg.HostKey = v
	}
	if v := os.Getenv("INAPI_AGENT_AUTHORIZED_KEYS"); v != "" {
		cfg.AuthorizedKeys = v
	}
	if v := os.Getenv("INAPI_AGENT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("INAPI_AGENT_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("INAPI_AGENT_STAGE_DIR"); v != "" {
		cfg.StageDir = v
	}
	if v := os.Getenv("INAPI_AGENT_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
	if v := envInt("INAPI_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("INAPI_JSON") {
		cfg.JSONLogs = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
