package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, inventory parsing, and environment variable
// loading.

const (
	// DefaultAgentPort is the port agents listen on.
	DefaultAgentPort = 7101

	// DefaultAgentListen is the agent's default bind address.
	DefaultAgentListen = ":7101"

	// DefaultConnTimeout bounds dialing plus the SSH handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAlive is the interval between SSH keepalive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultOpTimeout bounds one operation on one host.
	DefaultOpTimeout = 5 * time.Minute

	// DefaultParallel is how many hosts the CLI works on at once.
	DefaultParallel = 10

	// DefaultChunkSize is the bulk chunk size for uploads.
	DefaultChunkSize = 256 << 10

	// DefaultRetryAttempts is how many times a connect is tried.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the first backoff between connect attempts.
	DefaultRetryDelay = time.Second

	// DefaultRetryMaxDelay caps the exponential backoff.
	DefaultRetryMaxDelay = 30 * time.Second

	// DefaultBreakerFailures opens a host's circuit after this many
	// consecutive failed connects.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long an open circuit stays open.
	DefaultBreakerReset = 30 * time.Second

	// DefaultTokenTTL is the lifetime of tokens from "agent token".
	DefaultTokenTTL = 24 * time.Hour

	// DefaultGracePeriod is how long the agent waits for daemons and
	// sessions on shutdown.
	DefaultGracePeriod = 10 * time.Second
)
