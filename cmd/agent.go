package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"inapi/config"
	"inapi/internal/agent"
	"inapi/internal/capability"
	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/util"
)

func (a *app) agentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "agent",
		Short: "Run and administer the inapi agent",
	}
	c.AddCommand(a.agentServeCmd(), a.agentTokenCmd(), a.agentKeygenCmd())
	return c
}

// ── serve ────────────────────────────────────────────────────────────

func (a *app) agentServeCmd() *cobra.Command {
	var (
		file  string
		flags config.AgentConfig
	)
	c := &cobra.Command{
		Use:   "serve",
		Short: "Accept SSH sessions and execute requests on this host",
		Long: `serve runs the agent.  Clients authenticate with a key listed in
--authorized-keys or with INAPI_AGENT_PASSWORD.  When
INAPI_AGENT_TOKEN_SECRET is set every session must also present a
token issued by "inapi agent token".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultAgent()
			if file != "" {
				if err := config.LoadAgentFile(cfg, file); err != nil {
					return err
				}
			}
			config.LoadAgentFromEnv(cfg)

			fs := cmd.Flags()
			for name, apply := range map[string]func(){
				"name":            func() { cfg.Name = flags.Name },
				"listen":          func() { cfg.Listen = flags.Listen },
				"host-key":        func() { cfg.HostKey = flags.HostKey },
				"authorized-keys": func() { cfg.AuthorizedKeys = flags.AuthorizedKeys },
				"stage-dir":       func() { cfg.StageDir = flags.StageDir },
				"status-addr":     func() { cfg.StatusAddr = flags.StatusAddr },
			} {
				if fs.Changed(name) {
					apply()
				}
			}
			if fs.Changed("verbose") {
				cfg.Verbose = a.flags.verbose
			}
			if cfg.Verbose == 0 {
				cfg.Verbose = 1 // a daemon reports its lifecycle by default
			}
			if a.flags.json {
				cfg.JSONLogs = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return a.serve(cmd.Context(), cfg)
		},
	}
	f := c.Flags()
	f.StringVarP(&file, "config", "c", "", "Agent configuration file")
	f.StringVar(&flags.Name, "name", "", "Agent name announced to clients (default hostname)")
	f.StringVarP(&flags.Listen, "listen", "l", config.DefaultAgentListen, "SSH listen address")
	f.StringVar(&flags.HostKey, "host-key", "", "SSH host private key (ephemeral when empty)")
	f.StringVar(&flags.AuthorizedKeys, "authorized-keys", "", "Client public keys in authorized_keys format")
	f.StringVar(&flags.StageDir, "stage-dir", "", "Directory for uploads in progress")
	f.StringVar(&flags.StatusAddr, "status-addr", "", "Serve /healthz and /metrics on this address")
	return c
}

func (a *app) serve(ctx context.Context, cfg *config.AgentConfig) error {
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(a.stderr)
	logger.SetJSON(cfg.JSONLogs)

	var hostKey ssh.Signer
	var err error
	if cfg.HostKey == "" {
		logger.Warn("no --host-key given; using an ephemeral key, clients will see it change on restart")
		hostKey, err = agent.GenerateHostKey()
	} else {
		hostKey, err = agent.LoadHostKey(cfg.HostKey)
	}
	if err != nil {
		return &inerrors.ConfigError{Field: "host-key", Value: cfg.HostKey, Message: err.Error()}
	}

	var authorized []ssh.PublicKey
	if cfg.AuthorizedKeys != "" {
		authorized, err = agent.LoadAuthorizedKeys(cfg.AuthorizedKeys)
		if err != nil {
			return &inerrors.ConfigError{Field: "authorized-keys", Value: cfg.AuthorizedKeys, Message: err.Error()}
		}
	}

	var tokens *agent.Tokens
	if cfg.TokenSecret != "" {
		if tokens, err = agent.NewTokens(cfg.TokenSecret); err != nil {
			return err
		}
	}

	m := metrics.New()
	ag, err := agent.New(agent.Config{
		Name:     cfg.Name,
		Tokens:   tokens,
		StageDir: cfg.StageDir,
		Logger:   logger,
		Metrics:  m,
	}, capability.Local(logger))
	if err != nil {
		return err
	}
	srv, err := agent.NewServer(ag, agent.ServerConfig{
		HostKey:        hostKey,
		AuthorizedKeys: authorized,
		Password:       cfg.Password,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Listen) })

	if cfg.StatusAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := m.Register(reg, "inapi"); err != nil {
			return err
		}
		status := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           agent.NewStatusHandler(ag, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status endpoint on http://%s", cfg.StatusAddr)
			if err := status.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return status.Shutdown(sctx)
		})
	}

	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
	defer cancel()
	if serr := ag.Shutdown(sctx); serr != nil {
		logger.Warn("stopping daemons: %v", serr)
	}
	logger.Info("agent stopped")
	return err
}

// ── token ────────────────────────────────────────────────────────────

func (a *app) agentTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for agents sharing a secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("INAPI_AGENT_TOKEN_SECRET")
			}
			if secret == "" {
				return &inerrors.ConfigError{
					Field:   "secret",
					Message: "a token secret is required",
					Hint:    "pass --secret or set INAPI_AGENT_TOKEN_SECRET",
				}
			}
			tokens, err := agent.NewTokens(secret)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, tok)
			return err
		},
	}
	f := c.Flags()
	f.StringVar(&secret, "secret", "", "Signing secret (default $INAPI_AGENT_TOKEN_SECRET)")
	f.StringVar(&subject, "subject", "inapi", "Token subject")
	f.DurationVar(&ttl, "ttl", config.DefaultTokenTTL, "Token lifetime; 0 never expires")
	return c
}

// ── keygen ───────────────────────────────────────────────────────────

func (a *app) agentKeygenCmd() *cobra.Command {
	var comment string
	c := &cobra.Command{
		Use:   "keygen <private-key-path>",
		Short: "Write an ed25519 key pair usable as host or client key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := writeKeyPair(args[0], comment)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s and %s.pub (%s)\n", args[0], args[0], ssh.FingerprintSHA256(pub))
			return nil
		},
	}
	c.Flags().StringVarP(&comment, "comment", "C", "inapi", "Key comment")
	return c
}

// writeKeyPair writes an OpenSSH private key to path and its public key
// to path.pub.  Existing files are not replaced.
func writeKeyPair(path, comment string) (ssh.PublicKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	if err := writeNew(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	pub := signer.PublicKey()
	if err := writeNew(path+".pub", ssh.MarshalAuthorizedKey(pub), 0o644); err != nil {
		return nil, err
	}
	return pub, nil
}

func writeNew(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
