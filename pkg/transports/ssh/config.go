package ssh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort        = 22
	DefaultDialTimeout = 30 * time.Second
)

// ErrPassphraseProtected is returned for encrypted keys given without a passphrase.
var ErrPassphraseProtected = errors.New("private key is passphrase protected")

// Config describes how to log in to a file store host.
type Config struct {
	Host string
	Port int
	User string

	// Password wins over PrivateKey when both are set.
	Password   string
	PrivateKey []byte
	Passphrase string

	// KnownHosts is a known_hosts file host keys are checked against. When
	// empty any host key is accepted.
	KnownHosts string

	DialTimeout time.Duration
}

// NewConfig returns a config for user@host on the default port.
func NewConfig(host, user string) *Config {
	return &Config{
		Host:        host,
		Port:        DefaultPort,
		User:        user,
		DialTimeout: DefaultDialTimeout,
	}
}

// Validate reports every missing or out of range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Password == "" && len(c.PrivateKey) == 0 {
		errs = append(errs, errors.New("a password or a private key is required"))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseSigner parses a PEM private key, decrypting it with passphrase when
// one is given. An encrypted key without passphrase yields
// ErrPassphraseProtected.
func ParseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	parse := func() (ssh.Signer, error) { return ssh.ParsePrivateKey(key) }
	if passphrase != "" {
		parse = func() (ssh.Signer, error) { return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase)) }
	}
	signer, err := parse()
	var missing *ssh.PassphraseMissingError
	switch {
	case errors.As(err, &missing):
		return nil, ErrPassphraseProtected
	case err != nil:
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// clientConfig builds the x/crypto/ssh client settings.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.Password != "" {
		password := c.Password
		// Servers commonly ask for the password through keyboard-interactive.
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	} else {
		signer, err := ParseSigner(c.PrivateKey, c.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.DialTimeout,
	}, nil
}
