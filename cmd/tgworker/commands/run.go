package commands

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <document>...",
		Short: "Run many task documents",
		Long: `Run every task document given, up to --concurrency at once.

Documents may hold plan, apply or destroy tasks and may be glob patterns.
The results are printed as one JSON array in argument order. The command
fails when any task failed, after every task has finished.`,
		Example: `  # Run every task in a directory, four at a time
  tgworker run --concurrency 4 'tasks/*.yaml'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandDocuments(args)
			if err != nil {
				return err
			}

			w, err := openWorker(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			log.Info().
				Int("documents", len(paths)).
				Int("concurrency", w.cfg.Concurrency).
				Msg("Running task documents")

			results := make([]*result, len(paths))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(w.cfg.Concurrency)
			for i, path := range paths {
				g.Go(func() error {
					res, err := w.runDocument(ctx, path, "")
					if err != nil {
						return err
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return &ExitError{Code: 130, Err: err}
			}

			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			failed := 0
			for _, res := range results {
				if res.Failure != nil {
					failed++
				}
			}
			if failed > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d tasks failed", failed, len(results))}
			}
			return nil
		},
	}

	return cmd
}

// expandDocuments resolves glob patterns. A pattern matching nothing is an
// error.
func expandDocuments(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no task documents match %q", arg)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}
