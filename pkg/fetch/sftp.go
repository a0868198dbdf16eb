package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/transports/ssh"
)

// SFTPFetcher copies files and directories from an SSH host.
type SFTPFetcher struct {
	// NewTransport builds an unconnected transport. Tests swap it for a fake.
	NewTransport func(cfg *ssh.Config) (ssh.Transport, error)
}

// NewSFTPFetcher returns a fetcher dialing real SSH hosts.
func NewSFTPFetcher() *SFTPFetcher {
	return &SFTPFetcher{NewTransport: func(cfg *ssh.Config) (ssh.Transport, error) {
		return ssh.NewClient(cfg)
	}}
}

// sftpConfig maps store credentials onto a transport config. Password auth
// wins when both a password and a key are given.
func sftpConfig(store task.StoreConfig) (*ssh.Config, error) {
	c := store.Credentials
	if c == nil || c.Username == "" {
		return nil, errors.New("sftp store requires a username")
	}
	if c.Password == "" && c.SSHKey == "" {
		return nil, errors.New("sftp store requires a password or an ssh key")
	}
	cfg := ssh.NewConfig(store.Host, c.Username)
	if store.Port != 0 {
		cfg.Port = store.Port
	}
	cfg.Password = c.Password
	if c.Password == "" {
		cfg.PrivateKey = []byte(c.SSHKey)
		cfg.Passphrase = c.SSHKeyPassphrase
	}
	return cfg, nil
}

// Fetch implements Fetcher. Each path is mirrored below the destination
// directory under its own name.
func (f *SFTPFetcher) Fetch(ctx context.Context, req Request, log progress.Log) (*Result, error) {
	store := req.Store
	if len(store.Paths) == 0 {
		return nil, errors.New("sftp store requires at least one path")
	}
	cfg, err := sftpConfig(store)
	if err != nil {
		return nil, err
	}
	source := "sftp://" + net.JoinHostPort(store.Host, strconv.Itoa(cfg.Port))
	log.Infof("Fetching files for %s from %s", store.Identifier, source)

	transport, err := f.NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}
	defer transport.Disconnect()

	resolved := make([]string, 0, len(store.Paths))
	for _, p := range store.Paths {
		target, err := localPath(req.DestDir, p)
		if err != nil {
			return nil, err
		}
		written, err := transport.Download(ctx, p, target)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", p, err)
		}
		log.Infof("Downloaded %d file(s) from %s", len(written), p)
		resolved = append(resolved, target)
	}

	log.Infof("Files are saved in directory: [%s]", req.DestDir)
	return &Result{RootDir: req.DestDir, Files: resolved, SourceReference: source}, nil
}
