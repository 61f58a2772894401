package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
	"inapi/util"
)

// SSHConfig holds everything needed to reach one agent.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
	// KeepAlive is the interval between keepalive probes; a probe that
	// fails or goes unanswered for one interval drops the connection.
	// Zero means 30s, negative disables probing.
	KeepAlive time.Duration

	// Signers are used before any other method; tests and embedders
	// pass in-memory keys here.
	Signers []ssh.Signer
	// HostKey pins the agent's public key, overriding KnownHosts.
	HostKey ssh.PublicKey
}

// Addr returns "host:port".
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHDialer opens an SSH connection to an agent and the two inapi
// channels on top of it.
type SSHDialer struct {
	config  *SSHConfig
	logger  *util.Logger
	metrics *metrics.Collector
}

// NewSSHDialer returns a dialer for cfg.  Zero Port and ConnTimeout take
// their defaults.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 7101
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &SSHDialer{config: cfg, logger: logger, metrics: m}
}

// Dial connects, authenticates and opens the control and bulk channels.
func (d *SSHDialer) Dial(ctx context.Context) (*Conn, error) {
	cfg := d.config
	addr := cfg.Addr()

	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, &inerrors.AuthError{Host: addr, Err: err}
	}
	hkCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, inerrors.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         cfg.ConnTimeout,
	}

	d.logger.Debug("dialing %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, inerrors.Wrap("dial", addr, err)
	}

	// The SSH handshake has no context; bound it by deadline and
	// cancellation instead.
	deadline := time.Now().Add(cfg.ConnTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = tcpConn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	stop()
	if err != nil {
		tcpConn.Close()
		if ctx.Err() != nil {
			return nil, inerrors.Wrap("dial", addr, ctx.Err())
		}
		return nil, classifyHandshake(cfg, err)
	}
	_ = tcpConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	control, err := openChannel(client, ChannelControl)
	if err != nil {
		client.Close()
		return nil, inerrors.Wrap("open-channel", addr, err)
	}
	bulk, err := openChannel(client, ChannelBulk)
	if err != nil {
		control.Close()
		client.Close()
		return nil, inerrors.Wrap("open-channel", addr, err)
	}

	conn := NewConn(addr, control, bulk, client, d.metrics)
	go d.monitor(conn, client)
	if cfg.KeepAlive > 0 {
		go d.keepalive(conn, client)
	}

	d.logger.Verbose("connected to %s (%s)", addr, string(sshConn.ServerVersion()))
	return conn, nil
}

// monitor blocks until the SSH connection ends and closes conn.
func (d *SSHDialer) monitor(conn *Conn, client *ssh.Client) {
	err := client.Wait()
	select {
	case <-conn.Done():
		return
	default:
	}
	if err == nil {
		err = net.ErrClosed
	}
	d.logger.Debug("connection to %s lost: %v", conn.Addr(), err)
	conn.Lost(&inerrors.NetworkError{Op: "read", Addr: conn.Addr(), Err: err})
}

var errKeepaliveTimeout = errors.New("keepalive unanswered")

// keepalive probes the agent until conn ends.  A failed probe closes the
// client, which lets monitor report the connection as lost.
func (d *SSHDialer) keepalive(conn *Conn, client *ssh.Client) {
	interval := d.config.KeepAlive
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
		}

		errc := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			errc <- err
		}()
		var err error
		select {
		case err = <-errc:
		case <-time.After(interval):
			err = errKeepaliveTimeout
		case <-conn.Done():
			return
		}

		if err != nil {
			d.logger.Warn("keepalive to %s failed: %v", conn.Addr(), err)
			d.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
			client.Close()
			return
		}
		d.metrics.RecordHealthCheck()
		d.logger.Debug("keepalive to %s ok", conn.Addr())
	}
}

func openChannel(client *ssh.Client, name string) (ssh.Channel, error) {
	ch, reqs, err := client.OpenChannel(name, nil)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// classifyHandshake separates credential rejection and host key
// mismatches, which are terminal, from other handshake failures.
func classifyHandshake(cfg *SSHConfig, err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case errors.As(err, &keyErr), errors.Is(err, inerrors.ErrHostKeyMismatch):
		return inerrors.WrapSSH("hostkey", cfg.Host, cfg.Port, inerrors.Join(inerrors.ErrHostKeyMismatch, err))
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &inerrors.AuthError{Host: cfg.Addr(), Err: err}
	default:
		return &inerrors.NetworkError{
			Op:        "handshake",
			Addr:      cfg.Addr(),
			Err:       err,
			Retryable: inerrors.IsTemporary(err) || errors.Is(err, net.ErrClosed),
		}
	}
}
