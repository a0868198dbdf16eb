package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/telemetry"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

// Progress unit names, in the order a task may open them.
const (
	UnitFetchFiles = "Fetch Files"
	UnitInit       = "Init"
	UnitWorkspace  = "Workspace"
	UnitPlan       = "Plan"
	UnitApply      = "Apply"
	UnitDestroy    = "Destroy"
	UnitOutput     = "Output"
	UnitArtifacts  = "Artifacts"
	UnitCleanup    = "Cleanup"
)

// run is the state of one task execution.
type run struct {
	e         *Executor
	params    task.Parameters
	base      *task.Base
	progress  *progress.Map
	sink      *progress.Sink
	sanitizer *task.Sanitizer
	logger    *telemetry.Logger
	extra     map[terragrunt.Verb][]string

	ec   *ExecutionContext
	req  terragrunt.Request
	resp *task.Response

	// createdPlan is a plan secret this run stored.
	createdPlan *task.EncryptedRecord

	// finishedUnit is a unit that failed after a previous attempt had
	// already closed it, so FailOpen cannot report on it.
	finishedUnit string
}

// unit runs fn inside the progress unit name. A failing unit is left open
// so the task's failure handling closes it with the failure reason.
func (r *run) unit(ctx context.Context, name string, fn func(ctx context.Context, log progress.Log) error) error {
	ctx, span := r.e.tel.Tracer.StartUnitSpan(ctx, name)
	defer span.End()

	st := r.sink.Open(name)
	resumed := st.Closed()
	if err := fn(ctx, st); err != nil {
		telemetry.RecordError(span, err)
		if resumed {
			r.finishedUnit = name
		}
		return err
	}
	telemetry.RecordSuccess(span)
	st.Close(progress.StatusSuccess)
	return nil
}

func (r *run) invoke(ctx context.Context, verb terragrunt.Verb, req terragrunt.Request, log progress.Log) (bool, error) {
	return r.e.invoker.Execute(ctx, r.ec.Client, verb, req, log)
}

func (r *run) dispatch(ctx context.Context) (*task.Response, error) {
	r.resp = &task.Response{TaskID: r.base.TaskID, Kind: r.params.Kind()}

	var err error
	switch p := r.params.(type) {
	case *task.PlanParameters:
		err = r.plan(ctx, p)
	case *task.ApplyParameters:
		err = r.apply(ctx)
	case *task.DestroyParameters:
		err = r.destroy(ctx)
	default:
		err = task.NewInvalidParametersError(fmt.Sprintf("unsupported task kind %q", r.params.Kind()), nil)
	}
	if err != nil {
		return nil, err
	}
	return r.resp, nil
}

// prepare fetches the files, then initializes and selects the workspace
// when the task asks for it.
func (r *run) prepare(ctx context.Context) error {
	err := r.unit(ctx, UnitFetchFiles, func(ctx context.Context, log progress.Log) error {
		ec, err := r.e.builder.Build(ctx, r.base, log)
		if err != nil {
			return err
		}
		r.ec = ec
		r.req = buildRequest(ec, r.base, r.extra)
		r.resp.ConfigFilesSourceReference = ec.ConfigFilesSourceReference
		r.resp.BackendFileSourceReference = ec.BackendFileSourceReference
		if len(ec.VarFilesSourceReference) > 0 {
			r.resp.VarFilesSourceReference = ec.VarFilesSourceReference
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.ec.RunType == task.RunAll || r.ec.BackendFile != "" {
		err := r.unit(ctx, UnitInit, func(ctx context.Context, log progress.Log) error {
			_, err := r.invoke(ctx, terragrunt.VerbInit, r.req, log)
			return err
		})
		if err != nil {
			return err
		}
	}

	if r.base.Workspace == "" {
		return nil
	}
	return r.unit(ctx, UnitWorkspace, func(ctx context.Context, log progress.Log) error {
		ran, err := r.invoke(ctx, terragrunt.VerbWorkspace, r.req, log)
		if err != nil {
			return err
		}
		if !ran {
			log.Infof("Workspace selection skipped")
		}
		return nil
	})
}

func (r *run) computePlan(ctx context.Context, planName string, destroy bool) error {
	return r.unit(ctx, UnitPlan, func(ctx context.Context, log progress.Log) error {
		if r.base.EncryptedPlan != nil && !r.base.IsModule() {
			log.Warnf("Approved plans are only replayed for MODULE runs, computing a new plan")
		}
		_, err := r.invoke(ctx, terragrunt.VerbPlan, r.req.With(func(q *terragrunt.Request) {
			q.PlanName = planName
			q.Destroy = destroy
		}), log)
		return err
	})
}

func (r *run) decryptPlan(ctx context.Context, planName string) error {
	return r.unit(ctx, UnitPlan, func(ctx context.Context, log progress.Log) error {
		log.Infof("Using approved plan [%s] instead of computing a new one", r.base.EncryptedPlan.Name)
		return r.e.artifacts.DecryptPlan(ctx, r.base, r.ec, planName, log)
	})
}

func (r *run) uploadState(ctx context.Context) error {
	return r.unit(ctx, UnitArtifacts, func(ctx context.Context, log progress.Log) error {
		id, err := r.e.artifacts.UploadState(ctx, r.base, r.ec, log)
		if err != nil {
			return err
		}
		r.resp.StateFileID = id
		return nil
	})
}

func (r *run) plan(ctx context.Context, p *task.PlanParameters) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}

	planName := terragrunt.PlanFileName(p.CommandType)
	if err := r.computePlan(ctx, planName, p.CommandType == task.CommandDestroy); err != nil {
		return err
	}

	if !r.base.IsModule() {
		if !p.ExportJSONPlan && !p.ExportHumanReadablePlan {
			return nil
		}
		return r.unit(ctx, UnitArtifacts, func(_ context.Context, log progress.Log) error {
			log.Warnf("Plan export is only supported for MODULE runs, skipping")
			return nil
		})
	}

	return r.unit(ctx, UnitArtifacts, func(ctx context.Context, log progress.Log) error {
		var jsonPath string
		if p.ExportJSONPlan || r.e.policy != nil {
			path, err := r.show(ctx, planName, true, log)
			if err != nil {
				return err
			}
			jsonPath = path
		}
		if r.e.policy != nil {
			if err := r.checkPolicy(ctx, jsonPath, log); err != nil {
				return err
			}
		}

		rec, err := r.e.artifacts.EncryptPlan(ctx, r.base, r.ec, planName, log)
		if err != nil {
			return err
		}
		r.createdPlan = rec
		r.resp.EncryptedPlan = rec

		if r.resp.StateFileID, err = r.e.artifacts.UploadState(ctx, r.base, r.ec, log); err != nil {
			return err
		}

		if p.ExportJSONPlan {
			if r.resp.PlanJSONFileID, err = r.e.artifacts.UploadFile(ctx, r.base, files.BucketPlanJSON, jsonPath); err != nil {
				return err
			}
			log.Infof("Uploaded JSON plan, id: [%s]", r.resp.PlanJSONFileID)
			if data, err := os.ReadFile(jsonPath); err == nil {
				if summary, err := SummarizePlan(data); err != nil {
					log.Warnf("Could not summarize plan: %v", err)
				} else {
					r.resp.PlanSummary = summary
					log.Infof("Plan: %d to add, %d to change, %d to destroy", summary.Add, summary.Change, summary.Destroy)
				}
			}
		}

		if p.ExportHumanReadablePlan {
			path, err := r.show(ctx, planName, false, log)
			if err != nil {
				return err
			}
			if r.resp.PlanHumanReadableFileID, err = r.e.artifacts.UploadFile(ctx, r.base, files.BucketHumanReadablePlan, path); err != nil {
				return err
			}
			log.Infof("Uploaded human readable plan, id: [%s]", r.resp.PlanHumanReadableFileID)
		}
		return nil
	})
}

// show renders planName into the outputs directory and returns the file path.
func (r *run) show(ctx context.Context, planName string, asJSON bool, log progress.Log) (string, error) {
	name := planHumanFileName
	if asJSON {
		name = planJSONFileName
	}
	out := filepath.Join(r.ec.Layout.Outputs, name)
	_, err := r.invoke(ctx, terragrunt.VerbShow, r.req.With(func(q *terragrunt.Request) {
		q.PlanName = planName
		q.JSON = asJSON
		q.OutputFile = out
	}), log)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *run) checkPolicy(ctx context.Context, jsonPath string, log progress.Log) error {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return task.NewFileCreationError(jsonPath, err)
	}
	res, err := r.e.policy.EvaluatePlan(ctx, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to evaluate plan policies: %w", err)
	}

	for _, w := range res.Warnings {
		log.Warnf("Policy warning: %s", w.String())
	}
	for _, msg := range res.Errors {
		log.Warnf("Policy could not be evaluated: %s", msg)
	}
	if !res.Allowed {
		for _, v := range res.Violations {
			log.Errorf("Policy violation: %s", v.String())
		}
		return task.NewPolicyDeniedError(res.Messages())
	}
	log.Infof("Plan passed %d policies", len(res.EvaluatedPolicies))
	return nil
}

func (r *run) apply(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}

	planName := terragrunt.PlanFileApply
	var err error
	if r.base.IsModule() && r.base.EncryptedPlan != nil {
		err = r.decryptPlan(ctx, planName)
	} else {
		err = r.computePlan(ctx, planName, false)
	}
	if err != nil {
		return err
	}

	err = r.unit(ctx, UnitApply, func(ctx context.Context, log progress.Log) error {
		_, err := r.invoke(ctx, terragrunt.VerbApply, r.req.With(func(q *terragrunt.Request) {
			q.PlanName = planName
		}), log)
		return err
	})
	if err != nil {
		return err
	}

	err = r.unit(ctx, UnitOutput, func(ctx context.Context, log progress.Log) error {
		out := filepath.Join(r.ec.Layout.Outputs, outputFileName)
		if _, err := r.invoke(ctx, terragrunt.VerbOutput, r.req.With(func(q *terragrunt.Request) {
			q.OutputFile = out
		}), log); err != nil {
			return err
		}
		data, err := os.ReadFile(out)
		if err != nil {
			return task.NewFileCreationError(out, err)
		}
		r.resp.Outputs = strings.TrimSpace(string(data))
		return nil
	})
	if err != nil {
		return err
	}

	if !r.base.IsModule() {
		return nil
	}
	return r.uploadState(ctx)
}

func (r *run) destroy(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}

	var err error
	if r.base.IsModule() && r.base.EncryptedPlan != nil {
		planName := terragrunt.PlanFileDestroy
		if err := r.decryptPlan(ctx, planName); err != nil {
			return err
		}
		err = r.unit(ctx, UnitDestroy, func(ctx context.Context, log progress.Log) error {
			_, err := r.invoke(ctx, terragrunt.VerbApply, r.req.With(func(q *terragrunt.Request) {
				q.PlanName = planName
			}), log)
			return err
		})
	} else {
		err = r.unit(ctx, UnitDestroy, func(ctx context.Context, log progress.Log) error {
			_, err := r.invoke(ctx, terragrunt.VerbDestroy, r.req, log)
			return err
		})
	}
	if err != nil {
		return err
	}

	if !r.base.IsModule() {
		return nil
	}
	return r.uploadState(ctx)
}

// cleanup deletes plan secrets and the base directory. It never fails the task.
func (r *run) cleanup(ctx context.Context, failed bool) {
	err := r.unit(ctx, UnitCleanup, func(ctx context.Context, log progress.Log) error {
		if r.base.EncryptedPlan != nil {
			r.e.artifacts.DeletePlan(ctx, r.base.EncryptedPlan, r.base.AccountID, log)
		}
		if failed && r.createdPlan != nil {
			r.e.artifacts.DeletePlan(ctx, r.createdPlan, r.base.AccountID, log)
		}
		return r.e.artifacts.RemoveBase(NewLayout(r.e.baseDir, r.base.AccountID, r.base.EntityID), log)
	})
	if err != nil {
		r.logger.WithError(err).Error("cleanup failed")
		r.sink.FailOpen(r.sanitizer.Sanitize(err.Error()))
	}
}
