package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tgworker/pkg/config"
	"github.com/openfroyo/tgworker/pkg/engine"
	"github.com/openfroyo/tgworker/pkg/fetch"
	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/policy"
	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/secrets"
	"github.com/openfroyo/tgworker/pkg/stores"
	"github.com/openfroyo/tgworker/pkg/telemetry"
)

// worker is everything a command needs to execute tasks.
type worker struct {
	cfg      *config.Worker
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	policy   *policy.Engine
	executor *engine.Executor
	logger   zerolog.Logger
}

// loadConfig reads the worker config, letting flags the user set on cmd
// override file and environment values.
func loadConfig(cmd *cobra.Command) (*config.Worker, error) {
	return config.LoadWorker(config.LoadOptions{
		ConfigFile: configPath,
		Flags:      cmd.Flags(),
	})
}

// openWorker wires the executor and its collaborators from the worker
// config. Callers must Close the worker.
func openWorker(ctx context.Context, cmd *cobra.Command) (*worker, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = buildVersion

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))
	log.Logger = tel.Logger.Zerolog()

	w := &worker{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	tel.Events.Subscribe(telemetry.LogEvents(w.logger.With().Str("component", "events").Logger()), nil)
	if err := w.open(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *worker) open(ctx context.Context) error {
	cfg := w.cfg

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := stores.Open(ctx, stores.Config{
		Path:          cfg.Database.Path,
		RecordTimeout: cfg.Database.RecordTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	w.store = store

	fileService, err := newFileService(ctx, cfg.Files, store)
	if err != nil {
		return err
	}

	managers, err := secrets.BuildRegistry(cfg.SecretManagers, store)
	if err != nil {
		return err
	}
	resolver, err := newResolver(cfg.SecretManagers)
	if err != nil {
		return err
	}

	opts := engine.Options{
		BaseDir:          cfg.BaseDir,
		TerragruntBinary: cfg.TerragruntBinary,
		DefaultTimeout:   cfg.DefaultTimeout,
		CommandFlags:     cfg.CommandFlags,
		Fetcher:          fetch.NewDefaultRegistry(process.NewExecRunner()),
		Files:            fileService,
		SecretManagers:   managers,
		Resolver:         resolver,
		History:          store,
		Recorder:         store,
		Telemetry:        w.tel,
		Out:              os.Stderr,
		Color:            !color.NoColor && !cfg.Telemetry.Logging.NoColor,
	}

	if cfg.PolicyDir != "" {
		pe, err := policy.NewEngine(w.logger)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if err := pe.LoadPolicies(ctx, []string{cfg.PolicyDir}); err != nil {
			return err
		}
		w.policy = pe
		opts.Policy = pe
	}

	executor, err := engine.NewExecutor(opts)
	if err != nil {
		return err
	}
	w.executor = executor

	w.logger.Debug().
		Str("base_dir", cfg.BaseDir).
		Str("database", cfg.Database.Path).
		Str("files", cfg.Files.Kind).
		Strs("secret_managers", managers.Names()).
		Bool("policy_gate", w.policy != nil).
		Msg("Worker ready")
	return nil
}

func newFileService(ctx context.Context, cfg config.FileServiceConfig, store *stores.SQLiteStore) (files.Service, error) {
	if cfg.Kind != "s3" {
		return files.NewDBService(store), nil
	}
	client, err := files.NewS3Client(ctx, files.S3ClientConfig{
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return files.NewS3Service(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
}

// newResolver enables vault:// references through the first configured
// vault manager, or VAULT_ADDR when none is configured.
func newResolver(cfgs []secrets.ManagerConfig) (*secrets.Resolver, error) {
	for _, m := range cfgs {
		if m.Type != secrets.TypeVault {
			continue
		}
		client, err := secrets.NewVaultClient(m.Address, m.Token, m.Namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create vault client: %w", err)
		}
		return secrets.NewResolver(secrets.WithVaultClient(client)), nil
	}
	if os.Getenv("VAULT_ADDR") != "" {
		client, err := secrets.NewVaultClient("", "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to create vault client: %w", err)
		}
		return secrets.NewResolver(secrets.WithVaultClient(client)), nil
	}
	return secrets.NewResolver(), nil
}

// Close releases the database and flushes telemetry.
func (w *worker) Close() {
	var errs []error
	if w.store != nil {
		errs = append(errs, w.store.Close())
	}
	if w.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, w.tel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to shut down worker cleanly")
	}
}
