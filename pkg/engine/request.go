package engine

import (
	"strings"

	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

// mergeFlags appends task flags after the worker's flags for each verb.
func mergeFlags(worker, tsk map[string]string) map[string]string {
	if len(worker) == 0 && len(tsk) == 0 {
		return nil
	}
	out := make(map[string]string, len(worker)+len(tsk))
	for verb, flags := range worker {
		out[verb] = flags
	}
	for verb, flags := range tsk {
		out[verb] = strings.TrimSpace(out[verb] + " " + flags)
	}
	return out
}

// buildRequest is the template every verb of a task starts from. The
// orchestrators set the per-verb fields on copies of it.
func buildRequest(ec *ExecutionContext, base *task.Base, extra map[terragrunt.Verb][]string) terragrunt.Request {
	return terragrunt.Request{
		WorkingDir:        ec.ScriptDirectory,
		RunType:           ec.RunType,
		Timeout:           ec.Timeout,
		Env:               ec.Env,
		Targets:           append([]string(nil), base.Targets...),
		VarFiles:          append([]string(nil), ec.VarFiles...),
		BackendConfigFile: ec.BackendFile,
		ExtraFlags:        extra,
		Workspace:         base.Workspace,
	}
}
