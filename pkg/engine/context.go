package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openfroyo/tgworker/pkg/fetch"
	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/telemetry"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

// Artifact kinds reported by fetch-files errors.
const (
	artifactConfigFiles = "config files"
	artifactVarFiles    = "var files"
	artifactBackendFile = "backend file"
)

const gitSSHCommand = "GIT_SSH_COMMAND"

// ExecutionContext is everything a task's verbs run against. It is built
// once per task and not changed afterwards.
type ExecutionContext struct {
	Layout Layout

	// WorkingDirectory receives the config files.
	WorkingDirectory string
	// ScriptDirectory is the config root joined with the run path.
	ScriptDirectory   string
	VarFilesDirectory string
	// TerragruntWorkingDirectory is where terraform runs for a module.
	// It is empty for run-all tasks.
	TerragruntWorkingDirectory string

	VarFiles    []string
	BackendFile string

	ConfigFilesSourceReference string
	BackendFileSourceReference string
	VarFilesSourceReference    map[string]string

	RunType task.RunType
	Timeout time.Duration
	Env     map[string]string

	Client terragrunt.Client
}

// ClientFactory builds the terragrunt client for a script directory.
type ClientFactory func(opts terragrunt.ClientOptions) terragrunt.Client

// DefaultClientFactory returns os/exec backed clients.
func DefaultClientFactory(runner process.Runner) ClientFactory {
	return func(opts terragrunt.ClientOptions) terragrunt.Client {
		if opts.Runner == nil {
			opts.Runner = runner
		}
		return terragrunt.NewClient(opts)
	}
}

// ContextBuilder lays out a task's directories and pulls its files.
type ContextBuilder struct {
	root           string
	binary         string
	defaultTimeout time.Duration

	fetcher   fetch.Fetcher
	newClient ClientFactory
	artifacts *Artifacts
	metrics   *telemetry.Metrics
}

// Build produces the execution context of base. Whatever it fetched before
// failing stays on disk for the task's cleanup to remove.
func (b *ContextBuilder) Build(ctx context.Context, base *task.Base, log progress.Log) (*ExecutionContext, error) {
	layout := NewLayout(b.root, base.AccountID, base.EntityID)
	if err := layout.create(); err != nil {
		return nil, task.NewFileCreationError(layout.Base, err)
	}

	ec := &ExecutionContext{
		Layout:                  layout,
		WorkingDirectory:        layout.Script,
		VarFilesDirectory:       layout.VarFiles,
		VarFilesSourceReference: make(map[string]string),
		RunType:                 base.RunConfiguration.RunType,
		Timeout:                 base.Timeout(),
		Env:                     make(map[string]string, len(base.EnvVars)+1),
	}
	if ec.Timeout == 0 {
		ec.Timeout = b.defaultTimeout
	}
	for k, v := range base.EnvVars {
		ec.Env[k] = v
	}

	store := base.ConfigFilesStore
	if store.Kind == task.StoreGit && store.UsesSSHKey() {
		existing := ec.Env[gitSSHCommand]
		if existing == "" {
			existing = os.Getenv(gitSSHCommand)
		}
		cmd, err := fetch.ConfigureSSHKey(layout.Base, store.Credentials, existing, log)
		if err != nil {
			if _, typed := task.KindOf(err); !typed {
				err = task.NewFetchFilesError(artifactConfigFiles, layout.Base, err)
			}
			return nil, err
		}
		if cmd != "" {
			ec.Env[gitSSHCommand] = cmd
		}
	}

	log.Infof("Fetching config files from store [%s]", store.Identifier)
	res, err := b.fetch(ctx, base, store, layout.Script, artifactConfigFiles, ec.Env, log)
	if err != nil {
		return nil, err
	}
	root, err := fetch.RootFolder(res, store)
	if err != nil {
		return nil, task.NewFetchFilesError(artifactConfigFiles, layout.Script, err)
	}
	ec.ConfigFilesSourceReference = res.SourceReference

	for i, vs := range base.VarFileStores {
		dest := filepath.Join(layout.VarFiles, strconv.Itoa(i))
		log.Infof("Fetching var files from store [%s]", vs.Identifier)
		res, err := b.fetch(ctx, base, vs, dest, artifactVarFiles, ec.Env, log)
		if err != nil {
			return nil, err
		}
		files, err := fetch.ExpandFiles(res)
		if err != nil {
			return nil, task.NewFetchFilesError(artifactVarFiles, dest, err)
		}
		ec.VarFiles = append(ec.VarFiles, files...)
		ec.VarFilesSourceReference[vs.Identifier] = res.SourceReference
	}

	ec.ScriptDirectory = filepath.Join(root, filepath.FromSlash(base.RunConfiguration.Path))
	if info, err := os.Stat(ec.ScriptDirectory); err != nil || !info.IsDir() {
		if err == nil {
			err = errors.New("not a directory")
		}
		return nil, task.NewFetchFilesError(artifactConfigFiles, ec.ScriptDirectory,
			fmt.Errorf("run path %q not found in config files: %w", base.RunConfiguration.Path, err))
	}

	if bs := base.BackendFileStore; bs != nil {
		log.Infof("Fetching backend file from store [%s]", bs.Identifier)
		res, err := b.fetch(ctx, base, *bs, layout.BackendConfig, artifactBackendFile, ec.Env, log)
		if err != nil {
			return nil, err
		}
		files, err := fetch.ExpandFiles(res)
		if err != nil {
			return nil, task.NewFetchFilesError(artifactBackendFile, layout.BackendConfig, err)
		}
		if len(files) == 0 {
			return nil, task.NewFetchFilesError(artifactBackendFile, layout.BackendConfig, errors.New("store returned no files"))
		}
		if len(files) > 1 {
			log.Warnf("Backend file store [%s] returned %d files, using only [%s]", bs.Identifier, len(files), files[0])
		}
		ec.BackendFile = files[0]
		ec.BackendFileSourceReference = res.SourceReference
	}

	removed, err := removeStale(ec.ScriptDirectory)
	if err != nil {
		return nil, task.NewFileCreationError(ec.ScriptDirectory, fmt.Errorf("failed to remove stale files: %w", err))
	}
	if len(removed) > 0 {
		log.Infof("Removed %d stale lock and cache entries from a previous run", len(removed))
	}

	ec.Client = b.newClient(terragrunt.ClientOptions{
		Binary:          b.binary,
		ScriptDirectory: ec.ScriptDirectory,
		RunType:         ec.RunType,
		Timeout:         ec.Timeout,
		Env:             ec.Env,
	})

	if ec.RunType != task.RunModule {
		return ec, nil
	}

	wd, err := ec.Client.WorkingDirectory(ctx, log)
	if err != nil {
		return nil, classifyInfoError(ctx, err)
	}
	if err := os.MkdirAll(wd, 0o755); err != nil {
		return nil, task.NewFileCreationError(wd, err)
	}
	ec.TerragruntWorkingDirectory = wd

	if base.StateFileID != "" {
		if err := b.artifacts.RestoreState(ctx, base, ec, log); err != nil {
			return nil, err
		}
	}
	return ec, nil
}

func (b *ContextBuilder) fetch(ctx context.Context, base *task.Base, store task.StoreConfig, dest, artifact string, env map[string]string, log progress.Log) (*fetch.Result, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, task.NewFileCreationError(dest, err)
	}
	res, err := b.fetcher.Fetch(ctx, fetch.Request{
		Store:     store,
		AccountID: base.AccountID,
		DestDir:   dest,
		Env:       env,
	}, log)
	b.metrics.RecordFetch(string(store.Kind), artifact, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, task.NewFetchFilesError(artifact, dest, err)
	}
	return res, nil
}

// classifyInfoError maps a failed terragrunt-info call onto the CLI error kinds.
func classifyInfoError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var te *task.Error
	var launch *process.LaunchError
	switch {
	case errors.As(err, &te):
		return err
	case errors.Is(err, process.ErrTimeout):
		return task.NewCLITimeoutError(string(terragrunt.VerbInfo), "", "", err)
	case errors.As(err, &launch):
		return task.NewCLILaunchError(string(terragrunt.VerbInfo), launch.Command, launch.Err)
	default:
		return task.NewCLILaunchError(string(terragrunt.VerbInfo), "", err)
	}
}
