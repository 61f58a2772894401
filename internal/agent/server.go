package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	inerrors "inapi/internal/errors"
	"inapi/internal/transport"
)

// ServerConfig configures the SSH listener of an agent.
type ServerConfig struct {
	HostKey ssh.Signer
	// AuthorizedKeys may open sessions by public key.
	AuthorizedKeys []ssh.PublicKey
	// Password, when set, is accepted for any user.
	Password string
	// ChannelTimeout bounds the wait for both inapi channels after the
	// SSH handshake (default 10s).
	ChannelTimeout time.Duration
}

// Server accepts SSH connections and serves one agent session on each.
type Server struct {
	agent   *Agent
	ssh     *ssh.ServerConfig
	timeout time.Duration

	wg sync.WaitGroup
}

// NewServer returns an SSH front end for a.
func NewServer(a *Agent, cfg ServerConfig) (*Server, error) {
	if cfg.HostKey == nil {
		return nil, &inerrors.ConfigError{Field: "host-key", Message: "a host key is required"}
	}
	if len(cfg.AuthorizedKeys) == 0 && cfg.Password == "" {
		return nil, &inerrors.ConfigError{
			Field:   "authorized-keys",
			Message: "no client authentication configured",
			Hint:    "pass --authorized-keys or set INAPI_AGENT_PASSWORD",
		}
	}

	sc := &ssh.ServerConfig{ServerVersion: "SSH-2.0-inapi-agent_" + Version}
	if len(cfg.AuthorizedKeys) > 0 {
		allowed := make(map[string]bool, len(cfg.AuthorizedKeys))
		for _, k := range cfg.AuthorizedKeys {
			allowed[string(k.Marshal())] = true
		}
		sc.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if allowed[string(key.Marshal())] {
				return &ssh.Permissions{Extensions: map[string]string{"fp": ssh.FingerprintSHA256(key)}}, nil
			}
			return nil, fmt.Errorf("unknown key for %s", meta.User())
		}
	}
	if cfg.Password != "" {
		want := []byte(cfg.Password)
		sc.PasswordCallback = func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(pass, want) == 1 {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		}
	}
	sc.AddHostKey(cfg.HostKey)

	timeout := cfg.ChannelTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{agent: a, ssh: sc, timeout: timeout}, nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return inerrors.Wrap("listen", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// the open sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.agent.logger
	log.Info("listening on %s", ln.Addr())
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var err error
	for {
		nc, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = inerrors.Wrap("accept", ln.Addr().String(), aerr)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
	s.wg.Wait()
	return err
}

// handle runs the SSH handshake on nc, waits for the control and bulk
// channels, then serves the session.
func (s *Server) handle(ctx context.Context, nc net.Conn) {
	log := s.agent.logger
	addr := nc.RemoteAddr().String()

	_ = nc.SetDeadline(time.Now().Add(s.timeout))
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.ssh)
	if err != nil {
		nc.Close()
		log.Verbose("%s: ssh handshake: %v", addr, err)
		return
	}
	go ssh.DiscardRequests(reqs)

	var control, bulk ssh.Channel
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for control == nil || bulk == nil {
		select {
		case nch, ok := <-chans:
			if !ok {
				sconn.Close()
				return
			}
			ch, err := acceptChannel(nch, control == nil, bulk == nil)
			if err != nil {
				log.Debug("%s: %v", addr, err)
				continue
			}
			if nch.ChannelType() == transport.ChannelControl {
				control = ch
			} else {
				bulk = ch
			}
		case <-timer.C:
			log.Warn("%s: channels not opened within %v", addr, s.timeout)
			sconn.Close()
			return
		case <-ctx.Done():
			sconn.Close()
			return
		}
	}
	_ = nc.SetDeadline(time.Time{})

	go rejectChannels(chans)

	tc := transport.NewConn(addr, control, bulk, sconn, s.agent.metrics)
	go func() {
		err := sconn.Wait()
		if err == nil {
			err = net.ErrClosed
		}
		tc.Lost(err)
	}()

	log.Verbose("%s: ssh user %s", addr, sconn.User())
	if err := s.agent.ServeConn(ctx, tc); err != nil {
		log.Verbose("%s: %v", addr, err)
	}
}

func acceptChannel(nch ssh.NewChannel, wantControl, wantBulk bool) (ssh.Channel, error) {
	switch t := nch.ChannelType(); {
	case t == transport.ChannelControl && wantControl, t == transport.ChannelBulk && wantBulk:
	default:
		_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel")
		return nil, fmt.Errorf("rejected %q channel", t)
	}
	ch, creqs, err := nch.Accept()
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(creqs)
	return ch, nil
}

func rejectChannels(chans <-chan ssh.NewChannel) {
	for nch := range chans {
		_ = nch.Reject(ssh.UnknownChannelType, "session already established")
	}
}

// ── keys ─────────────────────────────────────────────────────────────

// LoadHostKey reads a PEM private key.
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// GenerateHostKey returns a fresh ed25519 host key, for agents started
// without one.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []ssh.PublicKey
	for len(data) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			if len(keys) == 0 {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			break
		}
		keys = append(keys, key)
		data = rest
	}
	return keys, nil
}
