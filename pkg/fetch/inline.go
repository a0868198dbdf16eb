package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/openfroyo/tgworker/pkg/progress"
)

// InlineFetcher writes file contents carried in the task itself.
type InlineFetcher struct{}

// Fetch implements Fetcher.
func (InlineFetcher) Fetch(_ context.Context, req Request, log progress.Log) (*Result, error) {
	names := make([]string, 0, len(req.Store.Files))
	for name := range req.Store.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	res := &Result{RootDir: req.DestDir, SourceReference: "inline"}
	for _, name := range names {
		p, err := localPath(req.DestDir, name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(req.Store.Files[name]), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		res.Files = append(res.Files, p)
	}
	log.Infof("Wrote %d inline file(s) for %s into [%s]", len(res.Files), req.Store.Identifier, req.DestDir)
	return res, nil
}
