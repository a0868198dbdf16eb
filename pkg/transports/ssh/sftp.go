package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Download implements Transport.
func (c *Client) Download(ctx context.Context, remotePath string, localPath string) ([]string, error) {
	session, err := c.sftpSession()
	if err != nil {
		return nil, err
	}
	fail := func(err error) error { return &Error{Op: "download", Host: c.cfg.Host, Err: err} }

	info, err := session.Stat(remotePath)
	if err != nil {
		return nil, fail(fmt.Errorf("stat %s: %w", remotePath, err))
	}
	if !info.IsDir() {
		if err := copyRemoteFile(ctx, session, remotePath, localPath); err != nil {
			return nil, fail(err)
		}
		return []string{localPath}, nil
	}

	root := strings.TrimSuffix(path.Clean(remotePath), "/") + "/"
	var written []string
	walker := session.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fail(fmt.Errorf("walk %s: %w", remotePath, err))
		}
		rel := strings.TrimPrefix(walker.Path(), root)
		if rel == walker.Path() {
			continue
		}
		target := filepath.Join(localPath, filepath.FromSlash(rel))
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fail(err)
			}
			continue
		}
		if err := copyRemoteFile(ctx, session, walker.Path(), target); err != nil {
			return nil, fail(err)
		}
		written = append(written, target)
	}

	log.Debug().Str("remote", remotePath).Int("files", len(written)).Msg("Directory downloaded")
	return written, nil
}

func copyRemoteFile(ctx context.Context, session *sftp.Client, remote, local string) error {
	src, err := session.Open(remote)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy %s: %w", remote, err)
	}

	log.Debug().Str("remote", remote).Str("local", local).Int64("bytes", n).Msg("File downloaded")
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
