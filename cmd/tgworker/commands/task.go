package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/tgworker/pkg/config"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
)

const shutdownTimeout = 10 * time.Second

type taskCommand struct {
	kind    task.Kind
	short   string
	long    string
	example string
}

var (
	taskPlan = taskCommand{
		kind:  task.KindPlan,
		short: "Compute a terragrunt plan",
		long: `Compute a plan for the module or module tree a task document describes.

For a single module the plan can be encrypted with a secret manager, so a
later apply replays exactly what was reviewed, and exported as JSON and
human readable text. Computed plans pass the policy gate when a policy
directory is configured.`,
		example: `  # Plan a module and print the task response
  tgworker plan -f task.yaml

  # Plan with a specific worker config
  tgworker plan -c worker.yaml -f task.json`,
	}
	taskApply = taskCommand{
		kind:  task.KindApply,
		short: "Apply a terragrunt plan",
		long: `Apply the module or module tree a task document describes.

A module task carrying an approved encrypted plan applies that plan as is.
Otherwise a new plan is computed and applied. The module's state is
uploaded and its outputs are returned in the task response.`,
		example: `  # Apply an approved plan
  tgworker apply -f apply.yaml`,
	}
	taskDestroy = taskCommand{
		kind:  task.KindDestroy,
		short: "Destroy terragrunt managed infrastructure",
		long: `Destroy everything the module or module tree a task document describes
manages. A module task carrying an approved destroy plan applies that plan.`,
		example: `  # Destroy a module
  tgworker destroy -f destroy.yaml`,
	}
)

func newTaskCommand(tc taskCommand) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     string(tc.kind),
		Short:   tc.short,
		Long:    tc.long,
		Example: tc.example,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorker(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			res, err := w.runDocument(cmd.Context(), file, tc.kind)
			if err != nil {
				return &ExitError{Code: 130, Err: err}
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failure != nil {
				return &ExitError{Code: 1, Err: errors.New(res.Failure.Error)}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "task document (.yaml, .yml or .json)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// failureDocument reports a failed task.
type failureDocument struct {
	Error            string                  `json:"error"`
	ErrorKind        task.ErrorKind          `json:"errorKind,omitempty"`
	UnitProgressData []progress.UnitProgress `json:"unitProgressData,omitempty"`
}

// result is the outcome of one task document.
type result struct {
	Document string           `json:"document,omitempty"`
	Response *task.Response   `json:"response,omitempty"`
	Failure  *failureDocument `json:"failure,omitempty"`
}

// runDocument loads and executes the task at path. want restricts the
// task kind; empty accepts any. Task failures are part of the result; the
// error is only set when ctx was cancelled.
func (w *worker) runDocument(ctx context.Context, path string, want task.Kind) (*result, error) {
	res := &result{Document: path}

	params, err := config.LoadTaskDocument(path)
	if err == nil && want != "" && params.Kind() != want {
		err = fmt.Errorf("%s holds a %s task, not a %s task", path, params.Kind(), want)
	}
	if err != nil {
		res.Failure = &failureDocument{
			Error:     err.Error(),
			ErrorKind: task.ErrorKindInvalidParameters,
		}
		return res, nil
	}

	resp, err := w.executor.Execute(ctx, params)
	if err == nil {
		res.Response = resp
		return res, nil
	}

	var failure *task.Failure
	if !errors.As(err, &failure) {
		return nil, err
	}
	res.Failure = &failureDocument{
		Error:            failure.Error(),
		UnitProgressData: failure.Progress,
	}
	if kind, ok := task.KindOf(failure.Err); ok {
		res.Failure.ErrorKind = kind
	}
	return res, nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
