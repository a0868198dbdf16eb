package terragrunt

import (
	"fmt"
	"sort"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/openfroyo/tgworker/pkg/task"
)

// Verb is a terragrunt subcommand the worker knows how to run.
type Verb string

const (
	VerbInit      Verb = "init"
	VerbWorkspace Verb = "workspace"
	VerbPlan      Verb = "plan"
	VerbApply     Verb = "apply"
	VerbDestroy   Verb = "destroy"
	VerbOutput    Verb = "output"
	VerbShow      Verb = "show"
	VerbInfo      Verb = "terragrunt-info"
)

// Plan file names by what the plan will be used for.
const (
	PlanFileApply   = "tfplan"
	PlanFileDestroy = "tfdestroyplan"
)

// PlanFileName returns the plan file name for a command type.
func PlanFileName(ct task.CommandType) string {
	if ct == task.CommandDestroy {
		return PlanFileDestroy
	}
	return PlanFileApply
}

// Request is everything one verb needs to know.
type Request struct {
	WorkingDir string
	RunType    task.RunType
	Timeout    time.Duration
	Env        map[string]string

	Targets           []string
	VarFiles          []string
	BackendConfigFile string

	// ExtraFlags are appended to the matching verb's arguments.
	ExtraFlags map[Verb][]string

	// Workspace is the workspace to select or create.
	Workspace string

	// PlanName is the plan file written by plan and read by apply and show.
	PlanName string

	// Destroy makes plan compute a destroy plan.
	Destroy bool

	// JSON makes show render machine-readable output.
	JSON bool

	// OutputFile receives stdout of output and show.
	OutputFile string
}

// With returns a copy of r changed by fn, leaving r untouched.
func (r Request) With(fn func(*Request)) Request {
	out := r
	out.Targets = append([]string(nil), r.Targets...)
	out.VarFiles = append([]string(nil), r.VarFiles...)
	fn(&out)
	return out
}

// IsRunAll reports whether the request targets a module tree.
func (r Request) IsRunAll() bool {
	return r.RunType == task.RunAll
}

// ParseFlags splits per-verb flag strings with shell quoting rules.
func ParseFlags(raw map[string]string) (map[Verb][]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	verbs := make([]string, 0, len(raw))
	for v := range raw {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)

	out := make(map[Verb][]string, len(raw))
	for _, v := range verbs {
		switch Verb(v) {
		case VerbInit, VerbWorkspace, VerbPlan, VerbApply, VerbDestroy, VerbOutput, VerbShow:
		default:
			return nil, fmt.Errorf("unknown verb %q in command flags", v)
		}
		args, err := shellwords.Parse(raw[v])
		if err != nil {
			return nil, fmt.Errorf("invalid %s flags %q: %w", v, raw[v], err)
		}
		out[Verb(v)] = args
	}
	return out, nil
}
