package cmd

import (
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"inapi/config"
)

// globalFlags are the connection and output flags every client command
// accepts.  A flag only overrides lower layers when it was set.
type globalFlags struct {
	inventory string
	hosts     []string

	// ── connection ───────────────────────────────────────────────
	user        string
	port        int
	key         string
	askPass     bool
	sshAgent    bool
	strict      bool
	knownHosts  string
	token       string
	connTimeout time.Duration
	keepAlive   time.Duration

	// ── execution ────────────────────────────────────────────────
	parallel int
	timeout  time.Duration
	retries  int

	// ── output ───────────────────────────────────────────────────
	verbose int
	json    bool
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVarP(&g.inventory, "inventory", "i", "", "Inventory file (default $INAPI_INVENTORY)")
	fs.StringSliceVarP(&g.hosts, "hosts", "H", nil, "Target hosts, groups or endpoints (comma separated)")

	fs.StringVarP(&g.user, "user", "u", "", "SSH user")
	fs.IntVarP(&g.port, "port", "p", 0, "Agent port")
	fs.StringVar(&g.key, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&g.askPass, "ask-password", false, "Prompt for the SSH password")
	fs.BoolVar(&g.sshAgent, "ssh-agent", false, "Authenticate with the SSH agent")
	fs.BoolVar(&g.strict, "strict-hostkey", false, "Verify agent host keys against known_hosts")
	fs.StringVar(&g.knownHosts, "known-hosts", "", "Custom known_hosts path")
	fs.StringVar(&g.token, "token", "", "Session token presented to the agent")
	fs.DurationVar(&g.connTimeout, "conn-timeout", 0, "Dial and handshake timeout")
	fs.DurationVar(&g.keepAlive, "keepalive", 0, "Interval between SSH keepalives; negative disables")

	fs.IntVarP(&g.parallel, "parallel", "P", 0, "Hosts to work on at once")
	fs.DurationVarP(&g.timeout, "timeout", "w", 0, "Timeout per operation and host")
	fs.IntVar(&g.retries, "retries", 0, "Connection attempts per host")

	fs.CountVarP(&g.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&g.json, "json", false, "Machine readable output")
}

// load builds the client configuration: defaults, then the inventory,
// then INAPI_* variables, then flags.
func (g *globalFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.Default()

	inv := g.inventory
	if inv == "" {
		inv = os.Getenv("INAPI_INVENTORY")
	}
	if inv != "" {
		if err := config.LoadFile(cfg, inv); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if fs.Changed("parallel") {
		cfg.Parallel = g.parallel
	}
	if fs.Changed("timeout") {
		cfg.Timeout = g.timeout
	}
	if fs.Changed("retries") {
		cfg.Retry.Attempts = g.retries
	}
	if fs.Changed("verbose") {
		cfg.Verbose = g.verbose
	}
	if g.json {
		cfg.JSON = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// override applies connection flags to a resolved host.  Flags beat
// inventory entries.
func (g *globalFlags) override(fs *flag.FlagSet, h *config.HostConfig) error {
	if fs.Changed("user") {
		h.User = g.user
	}
	if fs.Changed("port") {
		h.Port = g.port
	}
	if fs.Changed("ssh-key") {
		h.KeyPath = g.key
	}
	if g.askPass {
		h.PromptPassword = true
		h.Password = ""
	}
	if g.sshAgent {
		h.UseAgent = true
	}
	if g.strict {
		h.StrictHostKey = true
	}
	if fs.Changed("known-hosts") {
		h.KnownHosts = g.knownHosts
	}
	if fs.Changed("token") {
		h.Token = g.token
	}
	if fs.Changed("conn-timeout") {
		h.ConnTimeout = g.connTimeout
	}
	if fs.Changed("keepalive") {
		h.KeepAlive = g.keepAlive
	}
	return h.Validate()
}

// targets returns --hosts, falling back to INAPI_HOSTS.
func (g *globalFlags) targets() []string {
	if len(g.hosts) > 0 {
		return g.hosts
	}
	return config.EnvHosts()
}
