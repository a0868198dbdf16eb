package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a Transport over one SSH connection and the SFTP session
// opened on it.
type Client struct {
	cfg *Config

	mu      sync.Mutex
	conn    *ssh.Client
	session *sftp.Client
}

var _ Transport = (*Client)(nil)

// NewClient returns an unconnected client for cfg.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Op: "configure", Host: cfg.Host, Err: err}
	}
	return &Client{cfg: cfg}, nil
}

// Connect dials the host, authenticates and starts SFTP. Connecting a
// connected client does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}

	fail := func(err error) error { return &Error{Op: "connect", Host: c.cfg.Host, Err: err} }

	clientCfg, err := c.cfg.clientConfig()
	if err != nil {
		return fail(err)
	}

	addr := c.cfg.Address()
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(err)
	}

	// The handshake does not watch ctx.
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		_ = netConn.Close()
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case strings.Contains(err.Error(), "unable to authenticate"):
			err = errors.Join(ErrAuthFailed, err)
		}
		return fail(err)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)

	session, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return fail(err)
	}

	c.conn, c.session = conn, session
	log.Debug().Str("address", addr).Str("user", c.cfg.User).Msg("SFTP session established")
	return nil
}

// Disconnect ends the SFTP session and the connection. It is safe to call
// on a disconnected client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}

	err := errors.Join(c.session.Close(), c.conn.Close())
	c.conn, c.session = nil, nil
	if err != nil {
		return &Error{Op: "disconnect", Host: c.cfg.Host, Err: err}
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect was not
// called since.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Client) sftpSession() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, &Error{Op: "download", Host: c.cfg.Host, Err: ErrNotConnected}
	}
	return c.session, nil
}
