package terragrunt

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/telemetry"
)

// Invoker runs one verb through a Client and classifies the outcome.
type Invoker struct {
	metrics *telemetry.Metrics
}

// NewInvoker returns an invoker recording into metrics, which may be nil.
func NewInvoker(metrics *telemetry.Metrics) *Invoker {
	return &Invoker{metrics: metrics}
}

// Execute runs verb. It returns true when the verb ran and succeeded, false
// when the client skipped it. Any other outcome is an error: a *task.Error
// for CLI failures, or the context's error when the task was cancelled.
func (i *Invoker) Execute(ctx context.Context, client Client, verb Verb, req Request, log progress.Log) (bool, error) {
	op := telemetry.StartOperation(ctx, "terragrunt."+string(verb), telemetry.AttrVerb.String(string(verb)))
	resp, err := call(op.Context(), client, verb, req, log)
	ok, err := classify(ctx, verb, resp, err)
	op.End(err)

	result := "success"
	switch {
	case err != nil:
		result = "failure"
	case !ok:
		result = "skipped"
	}
	d := op.Elapsed()
	if resp != nil && resp.Duration > 0 {
		d = resp.Duration
	}
	telemetry.FromContext(ctx).WithUnit(string(verb)).Debug(fmt.Sprintf("terragrunt %s %s in %s", verb, result, d))
	i.metrics.RecordCLICall(string(verb), result, d)
	return ok, err
}

func call(ctx context.Context, client Client, verb Verb, req Request, log progress.Log) (*Response, error) {
	switch verb {
	case VerbInit:
		return client.Init(ctx, req, log)
	case VerbWorkspace:
		return client.Workspace(ctx, req, log)
	case VerbPlan:
		return client.Plan(ctx, req, log)
	case VerbApply:
		return client.Apply(ctx, req, log)
	case VerbDestroy:
		return client.Destroy(ctx, req, log)
	case VerbOutput:
		return client.Output(ctx, req, log)
	case VerbShow:
		return client.Show(ctx, req, log)
	default:
		return nil, fmt.Errorf("unsupported verb %q", verb)
	}
}

func classify(ctx context.Context, verb Verb, resp *Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	command := ""
	output := ""
	if resp != nil {
		command = resp.Command
		output = resp.Output
	}

	if err != nil {
		var launch *process.LaunchError
		var te *task.Error
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return false, err
		case errors.Is(err, process.ErrTimeout):
			return false, task.NewCLITimeoutError(string(verb), command, output, err)
		case errors.As(err, &launch):
			return false, task.NewCLILaunchError(string(verb), launch.Command, launch.Err)
		case errors.As(err, &te):
			return false, err
		default:
			return false, task.NewCLILaunchError(string(verb), command, err)
		}
	}

	if resp == nil {
		return false, task.NewCLILaunchError(string(verb), command, errors.New("no response from terragrunt client"))
	}
	if resp.Status == StatusSkipped {
		return false, nil
	}
	if resp.ExitCode != 0 {
		return false, task.NewCLIRuntimeError(string(verb), command, output, resp.ExitCode)
	}
	return true, nil
}
