package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/tgworker/pkg/fetch"
	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/policy"
	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/secrets"
	"github.com/openfroyo/tgworker/pkg/stores"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/telemetry"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

// cleanupTimeout bounds cleanup after the task's context is done.
const cleanupTimeout = 2 * time.Minute

// PlanPolicy gates computed plans.
type PlanPolicy interface {
	EvaluatePlan(ctx context.Context, planJSON []byte) (*policy.Result, error)
}

// History records task runs.
type History interface {
	StartTaskRun(ctx context.Context, run *stores.TaskRun) error
	FinishTaskRun(ctx context.Context, taskID string, status stores.TaskRunStatus, errKind, errMsg, response *string) error
}

// Options configures an Executor. BaseDir, Fetcher and Files are required.
type Options struct {
	BaseDir          string
	TerragruntBinary string
	DefaultTimeout   time.Duration

	// CommandFlags are per-verb flags added to every task's own flags.
	CommandFlags map[string]string

	Fetcher        fetch.Fetcher
	Files          files.Service
	SecretManagers SecretManagers
	Resolver       task.SecretResolver

	// Policy gates module plans before they are encrypted. Nil disables it.
	Policy PlanPolicy

	History  History
	Recorder progress.Recorder

	// NewClient defaults to os/exec backed terragrunt clients.
	NewClient ClientFactory

	Telemetry *telemetry.Telemetry

	// Out receives unit log lines.
	Out   io.Writer
	Color bool
}

// Executor runs plan, apply and destroy tasks.
type Executor struct {
	baseDir      string
	commandFlags map[string]string

	builder   *ContextBuilder
	artifacts *Artifacts
	invoker   *terragrunt.Invoker
	resolver  task.SecretResolver
	policy    PlanPolicy
	history   History
	recorder  progress.Recorder

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	out    io.Writer
	color  bool
	now    func() time.Time
}

// NewExecutor validates opts and returns an executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file service is required")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.NewClient == nil {
		opts.NewClient = DefaultClientFactory(process.NewExecRunner())
	}
	if opts.Resolver == nil {
		opts.Resolver = secrets.NewResolver()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Hour
	}
	if _, err := terragrunt.ParseFlags(opts.CommandFlags); err != nil {
		return nil, err
	}

	artifacts := NewArtifacts(opts.Files, opts.SecretManagers, opts.Telemetry.Metrics)
	return &Executor{
		baseDir:      opts.BaseDir,
		commandFlags: opts.CommandFlags,
		builder: &ContextBuilder{
			root:           opts.BaseDir,
			binary:         opts.TerragruntBinary,
			defaultTimeout: opts.DefaultTimeout,
			fetcher:        opts.Fetcher,
			newClient:      opts.NewClient,
			artifacts:      artifacts,
			metrics:        opts.Telemetry.Metrics,
		},
		artifacts: artifacts,
		invoker:   terragrunt.NewInvoker(opts.Telemetry.Metrics),
		resolver:  opts.Resolver,
		policy:    opts.Policy,
		history:   opts.History,
		recorder:  opts.Recorder,
		tel:       opts.Telemetry,
		logger:    opts.Telemetry.Logger.NewComponentLogger("engine"),
		out:       opts.Out,
		color:     opts.Color,
		now:       time.Now,
	}, nil
}

// Execute runs one task to completion. On failure the error is a
// *task.Failure holding the sanitized cause and the unit progress, except
// when ctx was cancelled: then ctx's error is returned as is. Once the
// parameters validate, the task's directories and plan secrets are cleaned
// up on every path, including failures to decrypt the task's secrets.
func (e *Executor) Execute(ctx context.Context, params task.Parameters) (resp *task.Response, err error) {
	if err := task.Validate(params); err != nil {
		e.tel.Metrics.RecordError(string(task.ErrorKindInvalidParameters))
		return nil, &task.Failure{Err: err}
	}

	m := params.Common().CommandUnitsProgress
	if m == nil {
		m = progress.NewMap()
	}
	// A copy until the secrets are resolved. The caller's parameters are
	// never modified.
	base := *params.Common()
	base.CommandUnitsProgress = m
	if base.TaskID == "" {
		base.TaskID = uuid.New().String()
	}
	kind := string(params.Kind())
	runType := string(base.RunConfiguration.RunType)

	sanitizer := task.NewSanitizer()
	logger := e.logger.WithTaskID(base.TaskID).WithScope(base.AccountID, base.EntityID)
	r := &run{
		e:         e,
		params:    params,
		base:      &base,
		progress:  m,
		sanitizer: sanitizer,
		logger:    logger,
		sink: progress.NewSink(m, progress.SinkOptions{
			TaskID:   base.TaskID,
			Out:      e.out,
			Color:    e.color,
			Sanitize: sanitizer.Sanitize,
			Logger:   logger,
			Events:   e.tel.Events,
			Metrics:  e.tel.Metrics,
			Recorder: e.recorder,
		}),
	}

	ctx, span := e.tel.Tracer.StartTaskSpan(ctx, base.TaskID, kind, runType)
	defer span.End()
	ctx = logger.WithContext(e.tel.WithContext(ctx))

	start := e.now()
	e.tel.Metrics.RecordTaskStarted(kind, runType)
	_ = e.tel.Events.PublishTaskStarted(base.TaskID, kind)
	e.startHistory(ctx, r, start)
	logger.Infof("%s task started", kind)

	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("task panicked: %v", p)
		}
		resp, err = r.finish(ctx, span, start, resp, err)
	}()

	if r.extra, err = terragrunt.ParseFlags(mergeFlags(e.commandFlags, base.CommandFlags)); err != nil {
		return nil, task.NewInvalidParametersError("invalid command flags", err)
	}
	if err := r.decrypt(ctx); err != nil {
		return nil, err
	}
	return r.dispatch(ctx)
}

// decrypt resolves the secret references in the task's parameters and
// switches the run over to the resolved copy.
func (r *run) decrypt(ctx context.Context) error {
	decrypted, err := task.Decrypt(ctx, r.params, r.e.resolver, r.sanitizer)
	if err != nil {
		return err
	}
	base := decrypted.Common()
	base.CommandUnitsProgress = r.progress
	base.TaskID = r.base.TaskID
	r.params, r.base = decrypted, base
	return nil
}

// taskLabel prefixes failure lines that belong to no unit.
const taskLabel = "Task"

// finish fails open units, cleans up and records the outcome.
func (r *run) finish(ctx context.Context, span trace.Span, start time.Time, resp *task.Response, err error) (*task.Response, error) {
	e := r.e
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	interrupted := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
	if err != nil {
		reason := "Task was interrupted"
		if !interrupted {
			err = r.sanitizer.SanitizeError(err)
			reason = err.Error()
		}
		if r.sink.FailOpen(reason) == 0 {
			label := taskLabel
			if r.finishedUnit != "" {
				label = r.finishedUnit
			}
			r.sink.Report(label, reason)
		}
	}

	r.cleanup(cleanupCtx, err != nil)

	kind := string(r.params.Kind())
	duration := e.now().Sub(start)

	switch {
	case err == nil:
		resp.UnitProgressData = r.progress.Snapshot()
		telemetry.RecordSuccess(span)
		e.tel.Metrics.RecordTaskCompleted(kind, "success", duration)
		_ = e.tel.Events.PublishTaskCompleted(r.base.TaskID, duration)
		r.finishHistory(cleanupCtx, stores.TaskRunStatusSucceeded, nil, resp)
		r.logger.Infof("%s task completed in %s", kind, duration.Round(time.Millisecond))
		return resp, nil

	case interrupted:
		telemetry.RecordError(span, err)
		e.tel.Metrics.RecordTaskCompleted(kind, "interrupted", duration)
		_ = e.tel.Events.PublishTaskFailed(r.base.TaskID, "interrupted")
		r.finishHistory(cleanupCtx, stores.TaskRunStatusInterrupted, err, nil)
		r.logger.Warn("task interrupted")
		return nil, err

	default:
		telemetry.RecordError(span, err)
		errKind := "internal"
		if k, ok := task.KindOf(err); ok {
			errKind = string(k)
		}
		e.tel.Metrics.RecordError(errKind)
		e.tel.Metrics.RecordTaskCompleted(kind, "failure", duration)
		_ = e.tel.Events.PublishTaskFailed(r.base.TaskID, err.Error())
		r.finishHistory(cleanupCtx, stores.TaskRunStatusFailed, err, nil)
		r.logger.WithError(err).Error("task failed")
		return nil, &task.Failure{Err: err, Progress: r.progress.Snapshot()}
	}
}

func (e *Executor) startHistory(ctx context.Context, r *run, start time.Time) {
	if e.history == nil {
		return
	}
	err := e.history.StartTaskRun(ctx, &stores.TaskRun{
		TaskID:    r.base.TaskID,
		Kind:      string(r.params.Kind()),
		RunType:   string(r.base.RunConfiguration.RunType),
		AccountID: r.base.AccountID,
		EntityID:  r.base.EntityID,
		StartedAt: start,
	})
	if err != nil {
		r.logger.WithError(err).Warn("failed to record task start")
	}
}

func (r *run) finishHistory(ctx context.Context, status stores.TaskRunStatus, taskErr error, resp *task.Response) {
	if r.e.history == nil {
		return
	}
	var errKind, errMsg, response *string
	if taskErr != nil {
		msg := taskErr.Error()
		errMsg = &msg
		if k, ok := task.KindOf(taskErr); ok {
			s := string(k)
			errKind = &s
		}
	}
	if resp != nil {
		if data, err := json.Marshal(resp); err == nil {
			s := string(data)
			response = &s
		}
	}
	if err := r.e.history.FinishTaskRun(ctx, r.base.TaskID, status, errKind, errMsg, response); err != nil {
		r.logger.WithError(err).Warn("failed to record task result")
	}
}
