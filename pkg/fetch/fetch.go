// Package fetch pulls configuration, variable and backend files from remote
// stores into a task's working directories.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
)

// Request is one store to pull into DestDir.
type Request struct {
	Store     task.StoreConfig
	AccountID string
	DestDir   string
	// Env is added to any helper process, e.g. GIT_SSH_COMMAND.
	Env map[string]string
}

// Result describes what a fetch left on disk.
type Result struct {
	// RootDir is the directory the store was pulled into.
	RootDir string
	// Files are the local paths of the requested files, in request order.
	Files []string
	// SourceReference identifies the fetched revision, e.g. a commit SHA.
	SourceReference string
}

// Fetcher pulls one kind of store. Fetching the same store twice into the
// same directory leaves the same files behind.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, log progress.Log) (*Result, error)
}

// Registry dispatches on the store kind.
type Registry struct {
	fetchers map[task.StoreKind]Fetcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[task.StoreKind]Fetcher)}
}

// Register adds or replaces the fetcher for kind.
func (r *Registry) Register(kind task.StoreKind, f Fetcher) *Registry {
	r.fetchers[kind] = f
	return r
}

// Fetch implements Fetcher by dispatching on req.Store.Kind.
func (r *Registry) Fetch(ctx context.Context, req Request, log progress.Log) (*Result, error) {
	f, ok := r.fetchers[req.Store.Kind]
	if !ok {
		return nil, fmt.Errorf("no fetcher for %s stores", req.Store.Kind)
	}
	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", req.DestDir, err)
	}
	return f.Fetch(ctx, req, log)
}

// localPath joins a store-relative path under root, refusing escapes.
func localPath(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q leaves the destination directory", rel)
	}
	return filepath.Join(root, clean), nil
}

// resolvePaths maps requested paths to local ones and checks they exist.
func resolvePaths(root string, paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		lp, err := localPath(root, p)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(lp); err != nil {
			return nil, fmt.Errorf("file %s not found in store: %w", p, err)
		}
		out = append(out, lp)
	}
	return out, nil
}

// walkFiles lists regular files under root in lexical order.
func walkFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// RootFolder is the directory a config store's files are rooted at: the
// first requested path, or the whole destination when none was given.
func RootFolder(res *Result, store task.StoreConfig) (string, error) {
	if len(store.Paths) == 0 {
		return res.RootDir, nil
	}
	return localPath(res.RootDir, store.Paths[0])
}

// ExpandFiles lists the regular files a fetch produced. Directories in
// res.Files are walked; with no Files the whole RootDir is.
func ExpandFiles(res *Result) ([]string, error) {
	if len(res.Files) == 0 {
		return walkFiles(res.RootDir)
	}
	var out []string
	for _, f := range res.Files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, f)
			continue
		}
		nested, err := walkFiles(f)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

// NewDefaultRegistry wires every store kind the worker supports.
func NewDefaultRegistry(runner process.Runner) *Registry {
	return NewRegistry().
		Register(task.StoreGit, NewGitFetcher(runner)).
		Register(task.StoreS3, NewS3Fetcher()).
		Register(task.StoreSFTP, NewSFTPFetcher()).
		Register(task.StoreInline, InlineFetcher{})
}
