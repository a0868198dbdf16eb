// Package ssh provides the SSH transport remote file stores download over.
package ssh

import (
	"context"
	"errors"
	"fmt"
)

// Transport downloads files from a remote host.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Download copies remotePath to localPath. A file is written to
	// localPath itself; a directory is copied recursively below it. It
	// returns the local paths of the files written.
	Download(ctx context.Context, remotePath string, localPath string) ([]string, error)
}

var (
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAuthFailed is wrapped by errors of connections the server refused
	// to authenticate.
	ErrAuthFailed = errors.New("authentication failed")
)

// Error is a failed transport operation against Host.
type Error struct {
	Op   string
	Host string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
