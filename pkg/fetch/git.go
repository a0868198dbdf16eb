package fetch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
)

// GitFetcher checks a repository out with the git CLI.
type GitFetcher struct {
	Binary  string
	Runner  process.Runner
	Timeout time.Duration
}

// NewGitFetcher returns a fetcher running git through runner.
func NewGitFetcher(runner process.Runner) *GitFetcher {
	if runner == nil {
		runner = process.NewExecRunner()
	}
	return &GitFetcher{Binary: "git", Runner: runner, Timeout: 10 * time.Minute}
}

// Fetch implements Fetcher. The destination is recreated so a rerun on the
// same disk starts from a clean checkout of the requested revision.
func (g *GitFetcher) Fetch(ctx context.Context, req Request, log progress.Log) (*Result, error) {
	store := req.Store
	remote, display := remoteURL(store)

	ref := store.Commit
	if ref == "" {
		ref = store.Branch
	}
	if ref == "" {
		ref = "HEAD"
	}
	log.Infof("Fetching %s from git repository [%s], reference [%s]", store.Identifier, display, ref)

	if err := os.RemoveAll(req.DestDir); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", req.DestDir, err)
	}
	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, err
	}

	env := map[string]string{"GIT_TERMINAL_PROMPT": "0"}
	for k, v := range req.Env {
		env[k] = v
	}

	steps := [][]string{
		{"init", "--quiet"},
		{"remote", "add", "origin", remote},
		{"fetch", "--quiet", "--depth", "1", "origin", ref},
		{"checkout", "--quiet", "--force", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := g.git(ctx, req.DestDir, env, args, log); err != nil {
			return nil, err
		}
	}

	sha, err := g.git(ctx, req.DestDir, env, []string{"rev-parse", "HEAD"}, log)
	if err != nil {
		return nil, err
	}

	files, err := resolvePaths(req.DestDir, store.Paths)
	if err != nil {
		return nil, err
	}
	log.Infof("Checked out commit [%s] into [%s]", sha, req.DestDir)
	return &Result{RootDir: req.DestDir, Files: files, SourceReference: sha}, nil
}

func (g *GitFetcher) git(ctx context.Context, dir string, env map[string]string, args []string, log progress.Log) (string, error) {
	res, err := g.Runner.Run(ctx, process.Command{
		Name:    g.Binary,
		Args:    args,
		Dir:     dir,
		Env:     env,
		Timeout: g.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s exited with code %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Tail(5)))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// remoteURL embeds username and password into http(s) URLs. The second
// result has the password redacted and is safe to log.
func remoteURL(store task.StoreConfig) (string, string) {
	u, err := url.Parse(store.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		// scp-like and ssh URLs authenticate through GIT_SSH_COMMAND.
		return store.URL, store.URL
	}
	c := store.Credentials
	if c != nil && c.Password != "" {
		user := c.Username
		if user == "" {
			user = "git"
		}
		u.User = url.UserPassword(user, c.Password)
	}
	return u.String(), u.Redacted()
}
