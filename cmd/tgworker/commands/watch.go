package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/tgworker/pkg/policy"
)

const (
	claimedDir     = ".processing"
	responseSuffix = ".response.json"
	defaultSettle  = 500 * time.Millisecond
)

func newWatchCommand() *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run task documents dropped into an inbox directory",
		Long: `Watch the inbox directory and run every task document written to it.

A document is claimed by moving it under the inbox's .processing
directory, so several workers may share one inbox. Its result is written
to <outbox>/<document>.response.json and the claimed document is removed.
Documents of interrupted tasks go back to the inbox.

While watching, metrics are served on the configured address and plan
policies are reloaded whenever a file in the policy directory changes.`,
		Example: `  # Watch the configured inbox
  tgworker watch

  # Watch a specific inbox, serving metrics on :9100
  tgworker watch --inbox /var/spool/tgworker/in --outbox /var/spool/tgworker/out --metrics-address :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorker(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.tel.Metrics.StartMetricsServer(ctx); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			if w.policy != nil {
				loader := policy.NewLoader(w.logger)
				if err := loader.Watch(ctx, []string{w.cfg.PolicyDir}, w.policy.ReplacePolicies); err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			in, err := newInbox(w.cfg.Watch.Inbox, w.cfg.Watch.Outbox, w.logger)
			if err != nil {
				return err
			}
			in.settle = settle

			err = in.serve(ctx, w.cfg.Concurrency, func(ctx context.Context, path string) (*result, error) {
				return w.runDocument(ctx, path, "")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("inbox", "", "directory task documents are dropped into")
	cmd.Flags().String("outbox", "", "directory task responses are written to")
	cmd.Flags().String("metrics-address", "", "listen address of the metrics endpoint")
	cmd.Flags().DurationVar(&settle, "settle", defaultSettle, "quiet period after the last write before a document is run")

	return cmd
}

type runFunc func(ctx context.Context, path string) (*result, error)

// inbox hands task documents written to dir to a bounded set of runners.
type inbox struct {
	dir     string
	outbox  string
	claimed string
	settle  time.Duration
	logger  zerolog.Logger
}

func newInbox(dir, outbox string, logger zerolog.Logger) (*inbox, error) {
	in := &inbox{
		dir:     dir,
		outbox:  outbox,
		claimed: filepath.Join(dir, claimedDir),
		settle:  defaultSettle,
		logger:  logger.With().Str("component", "inbox").Logger(),
	}
	for _, d := range []string{in.claimed, outbox} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return in, nil
}

func isTaskDocument(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// serve runs documents until ctx is done. Documents already in the inbox
// are run first.
func (in *inbox) serve(ctx context.Context, concurrency int, run runFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", in.dir, err)
	}

	queue := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for path := range queue {
				if err := in.process(gctx, path, run); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(queue)
		return in.dispatch(gctx, watcher, queue)
	})

	in.logger.Info().
		Str("inbox", in.dir).
		Str("outbox", in.outbox).
		Int("concurrency", concurrency).
		Msg("Watching for task documents")
	return g.Wait()
}

// dispatch queues existing documents, then each document once writes to
// it have been quiet for the settle period.
func (in *inbox) dispatch(ctx context.Context, watcher *fsnotify.Watcher, queue chan<- string) error {
	send := func(path string) error {
		select {
		case queue <- path:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isTaskDocument(e.Name()) {
			if err := send(filepath.Join(in.dir, e.Name())); err != nil {
				return err
			}
		}
	}

	ready := make(chan string)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTaskDocument(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			path := event.Name
			if t, ok := timers[path]; ok {
				t.Reset(in.settle)
				continue
			}
			timers[path] = time.AfterFunc(in.settle, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(timers, path)
			if err := send(path); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// process claims, runs and answers one document. Only an interrupted
// task stops the runner.
func (in *inbox) process(ctx context.Context, path string, run runFunc) error {
	claimed, err := in.claim(path)
	if err != nil {
		in.logger.Error().Err(err).Str("document", path).Msg("Failed to claim task document")
		return nil
	}
	if claimed == "" {
		return nil
	}

	res, err := run(ctx, claimed)
	if err != nil {
		if rerr := os.Rename(claimed, path); rerr != nil {
			in.logger.Error().Err(rerr).Str("document", claimed).Msg("Failed to return interrupted task document")
		}
		return err
	}
	res.Document = filepath.Base(path)

	out := filepath.Join(in.outbox, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+responseSuffix)
	if err := writeJSONFile(out, res); err != nil {
		in.logger.Error().Err(err).Str("response", out).Msg("Failed to write task response")
		return nil
	}
	if err := os.Remove(claimed); err != nil {
		in.logger.Warn().Err(err).Str("document", claimed).Msg("Failed to remove processed task document")
	}

	ev := in.logger.Info()
	if res.Failure != nil {
		ev = in.logger.Warn().Str("error", res.Failure.Error)
	}
	ev.Str("document", res.Document).Str("response", out).Msg("Task document processed")
	return nil
}

// claim moves path under the claimed directory. It returns "" when another
// runner claimed the document first.
func (in *inbox) claim(path string) (string, error) {
	claimed := filepath.Join(in.claimed, filepath.Base(path))
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return claimed, nil
}
