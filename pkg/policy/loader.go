package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	regoExt = ".rego"
	jsonExt = ".json"
)

// ReloadFunc receives the full policy set after a change on disk.
type ReloadFunc func(context.Context, []Policy) error

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	// ReloadDelay is how long Watch waits for a burst of file events to
	// settle before reloading.
	ReloadDelay time.Duration
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		ReloadDelay: 500 * time.Millisecond,
	}
}

// LoadFromPaths reads every policy below paths. A named file that fails to
// parse is an error, while broken files found inside a directory are logged
// and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", p, err)
		}
		if !info.IsDir() {
			pol, err := readPolicyFile(p)
			if err != nil {
				return nil, err
			}
			out = append(out, *pol)
			continue
		}
		files, err := policyFiles(p)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", p, err)
		}
		for _, f := range files {
			pol, err := readPolicyFile(f)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", f).Msg("Skipping policy file")
				continue
			}
			out = append(out, *pol)
		}
	}
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

// policyFiles lists the policy files below dir in lexical order.
func policyFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return err
	})
	sort.Strings(files)
	return files, err
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == regoExt || ext == jsonExt
}

// readPolicyFile builds a policy from one file. A .rego file is named after
// the file and described by its leading comment block. A .json file holds a
// Policy document whose name, severity and enabled flag are optional.
func readPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)

	pol := &Policy{Name: name, Severity: SeverityError, Enabled: true, Source: path}
	switch ext {
	case regoExt:
		pol.Rego = string(data)
		pol.Description = leadingComment(pol.Rego)
	case jsonExt:
		var doc struct {
			Policy
			Enabled *bool `json:"enabled"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
		if doc.Rego == "" {
			return nil, fmt.Errorf("policy %s: no rego source", path)
		}
		pol.Rego = doc.Rego
		pol.Description = doc.Description
		if doc.Name != "" {
			pol.Name = doc.Name
		}
		if doc.Severity != "" {
			pol.Severity = doc.Severity
		}
		if doc.Enabled != nil {
			pol.Enabled = *doc.Enabled
		}
	default:
		return nil, fmt.Errorf("policy %s: unsupported file type", path)
	}
	return pol, nil
}

// leadingComment joins the # lines before the first statement.
func leadingComment(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if text, ok := strings.CutPrefix(line, "#"); ok {
			if text = strings.TrimSpace(text); text != "" {
				words = append(words, text)
			}
			continue
		}
		if line != "" && len(words) > 0 {
			break
		}
	}
	return strings.Join(words, " ")
}

// Watch calls reload with the policies under paths each time a policy file
// changes. It returns once the watcher runs. The watcher stops with ctx or
// StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, reload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	l.watcher = w

	for _, p := range paths {
		dir := p
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			dir = filepath.Dir(p)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return w.Add(path)
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Not watching policy path")
		}
	}

	go l.watch(ctx, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

func (l *Loader) watch(ctx context.Context, paths []string, reload ReloadFunc) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(ev.Name) || !ev.Has(relevant) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(l.ReloadDelay, func() { l.reload(ctx, paths, reload) })
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reload ReloadFunc) {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err == nil {
		err = reload(ctx, policies)
	}
	if err != nil {
		l.logger.Error().Err(err).Msg("Policy reload failed")
		return
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
