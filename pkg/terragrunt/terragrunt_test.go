package terragrunt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
)

type scripted struct {
	res *process.Result
	err error
}

// fakeRunner returns scripted results keyed by the first argument after
// any run-all prefix, and records every command.
type fakeRunner struct {
	calls   []process.Command
	results map[string][]scripted
}

func (f *fakeRunner) Run(_ context.Context, c process.Command) (*process.Result, error) {
	f.calls = append(f.calls, c)
	key := strings.Join(c.Args, " ")
	for prefix, queue := range f.results {
		if strings.HasPrefix(key, prefix) && len(queue) > 0 {
			f.results[prefix] = queue[1:]
			if c.Stdout != nil && queue[0].res != nil {
				_, _ = c.Stdout.Write([]byte(queue[0].res.Stdout))
			}
			return queue[0].res, queue[0].err
		}
	}
	return &process.Result{}, nil
}

func (f *fakeRunner) args() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

func TestArgsPerVerb(t *testing.T) {
	module := Request{
		RunType:           task.RunModule,
		Targets:           []string{"aws_s3_bucket.logs"},
		VarFiles:          []string{"/w/vars/prod.tfvars"},
		BackendConfigFile: "/w/backend/backend.hcl",
		PlanName:          PlanFileApply,
		ExtraFlags:        map[Verb][]string{VerbPlan: {"-lock-timeout=5m"}},
	}
	runAll := module.With(func(r *Request) { r.RunType = task.RunAll })

	tests := []struct {
		name string
		got  []string
		want string
	}{
		{"init", initArgs(module), "init -input=false -backend-config=/w/backend/backend.hcl"},
		{"run-all init", initArgs(runAll), "run-all init --terragrunt-non-interactive -input=false -backend-config=/w/backend/backend.hcl"},
		{"plan", planArgs(module), "plan -input=false -out=tfplan -target=aws_s3_bucket.logs -var-file=/w/vars/prod.tfvars -lock-timeout=5m"},
		{"destroy plan", planArgs(module.With(func(r *Request) { r.Destroy = true; r.PlanName = PlanFileDestroy })),
			"plan -input=false -destroy -out=tfdestroyplan -target=aws_s3_bucket.logs -var-file=/w/vars/prod.tfvars -lock-timeout=5m"},
		{"apply saved plan", applyArgs(module), "apply -input=false tfplan"},
		{"apply without plan", applyArgs(module.With(func(r *Request) { r.PlanName = "" })),
			"apply -input=false -auto-approve -target=aws_s3_bucket.logs -var-file=/w/vars/prod.tfvars"},
		{"run-all destroy", destroyArgs(runAll), "run-all destroy --terragrunt-non-interactive -input=false -auto-approve -target=aws_s3_bucket.logs -var-file=/w/vars/prod.tfvars"},
		{"output", outputArgs(module), "output -json"},
		{"show json", showArgs(module.With(func(r *Request) { r.JSON = true })), "show -json tfplan"},
		{"show human", showArgs(module), "show -no-color tfplan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(tt.got, " "); got != tt.want {
				t.Fatalf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestRequestWithDoesNotAlias(t *testing.T) {
	r := Request{Targets: []string{"a"}}
	c := r.With(func(x *Request) { x.Targets = append(x.Targets[:0], "b") })
	if r.Targets[0] != "a" || c.Targets[0] != "b" {
		t.Fatalf("With aliased slices: %v %v", r.Targets, c.Targets)
	}
}

func TestParseFlags(t *testing.T) {
	got, err := ParseFlags(map[string]string{
		"plan": `-lock-timeout=5m -var 'name=a b'`,
		"init": "-upgrade",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	want := map[Verb][]string{
		VerbPlan: {"-lock-timeout=5m", "-var", "name=a b"},
		VerbInit: {"-upgrade"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	if _, err := ParseFlags(map[string]string{"import": "-x"}); err == nil {
		t.Fatal("unknown verb should be rejected")
	}
	if _, err := ParseFlags(map[string]string{"plan": `-var 'unterminated`}); err == nil {
		t.Fatal("bad quoting should be rejected")
	}
}

func TestParseWorkspaces(t *testing.T) {
	current, existing := parseWorkspaces("  default\n* prod\n  staging\n\nINFO[0000] some terragrunt log line\n")
	if current != "prod" {
		t.Fatalf("current = %q", current)
	}
	for _, ws := range []string{"default", "prod", "staging"} {
		if !existing[ws] {
			t.Errorf("missing workspace %s", ws)
		}
	}
	if len(existing) != 3 {
		t.Fatalf("log noise parsed as workspace: %v", existing)
	}
}

func TestWorkspaceSelectNewOrSkip(t *testing.T) {
	tests := []struct {
		name     string
		list     string
		ws       string
		wantLast string
		wantSkip bool
	}{
		{name: "select existing", list: "* default\n  prod\n", ws: "prod", wantLast: "workspace select prod"},
		{name: "create missing", list: "* default\n", ws: "prod", wantLast: "workspace new prod"},
		{name: "already current", list: "  default\n* prod\n", ws: "prod", wantLast: "workspace list", wantSkip: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: map[string][]scripted{
				"workspace list": {{res: &process.Result{Stdout: tt.list}}},
			}}
			client := NewClient(ClientOptions{ScriptDirectory: "/w", RunType: task.RunModule, Runner: runner})

			ok, err := NewInvoker(nil).Execute(context.Background(), client, VerbWorkspace,
				Request{RunType: task.RunModule, Workspace: tt.ws}, progress.Discard)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if ok == tt.wantSkip {
				t.Fatalf("executed = %v, want skip %v", ok, tt.wantSkip)
			}
			args := runner.args()
			if args[len(args)-1] != tt.wantLast {
				t.Fatalf("last command %q, want %q", args[len(args)-1], tt.wantLast)
			}
		})
	}
}

func TestWorkspaceSkippedForRunAll(t *testing.T) {
	runner := &fakeRunner{}
	client := NewClient(ClientOptions{ScriptDirectory: "/w", Runner: runner})
	ok, err := NewInvoker(nil).Execute(context.Background(), client, VerbWorkspace,
		Request{RunType: task.RunAll, Workspace: "prod"}, progress.Discard)
	if err != nil || ok {
		t.Fatalf("expected skip without error, got ok=%v err=%v", ok, err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("run-all workspace must not run terragrunt: %v", runner.args())
	}
}

func TestInvokerClassification(t *testing.T) {
	tests := []struct {
		name      string
		result    scripted
		wantOK    bool
		wantKind  task.ErrorKind
		wantRaw   error
		wantInErr string
	}{
		{name: "success", result: scripted{res: &process.Result{}}, wantOK: true},
		{name: "non-zero exit", result: scripted{res: &process.Result{ExitCode: 1, Stderr: "Error: Invalid provider"}},
			wantKind: task.ErrorKindCLIRuntime, wantInErr: "exit code 1"},
		{name: "timeout", result: scripted{res: &process.Result{}, err: fmt.Errorf("x: %w", process.ErrTimeout)},
			wantKind: task.ErrorKindCLITimeout},
		{name: "launch failure", result: scripted{err: &process.LaunchError{Command: "terragrunt plan", Err: os.ErrPermission}},
			wantKind: task.ErrorKindCLIRuntime, wantInErr: "permission"},
		{name: "cancelled", result: scripted{err: context.Canceled}, wantRaw: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: map[string][]scripted{"plan": {tt.result}}}
			client := NewClient(ClientOptions{ScriptDirectory: "/w", Runner: runner, Timeout: time.Minute})

			ok, err := NewInvoker(nil).Execute(context.Background(), client, VerbPlan, Request{PlanName: PlanFileApply}, progress.Discard)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			switch {
			case tt.wantRaw != nil:
				if !errors.Is(err, tt.wantRaw) {
					t.Fatalf("expected %v, got %v", tt.wantRaw, err)
				}
				if _, classified := task.KindOf(err); classified {
					t.Fatalf("cancellation must not become a task error: %v", err)
				}
			case tt.wantKind != "":
				kind, _ := task.KindOf(err)
				if kind != tt.wantKind {
					t.Fatalf("kind = %q, want %q (err %v)", kind, tt.wantKind, err)
				}
				if tt.wantInErr != "" && !strings.Contains(err.Error(), tt.wantInErr) {
					t.Fatalf("error %q lacks %q", err, tt.wantInErr)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
			}
		})
	}
}

func TestRuntimeErrorCarriesCommandAndTail(t *testing.T) {
	runner := &fakeRunner{results: map[string][]scripted{
		"apply": {{res: &process.Result{ExitCode: 1, Stdout: "Plan: 1 to add\n", Stderr: "Error: AccessDenied\n"}}},
	}}
	client := NewClient(ClientOptions{ScriptDirectory: "/w", Runner: runner})

	_, err := NewInvoker(nil).Execute(context.Background(), client, VerbApply, Request{PlanName: "tfplan"}, progress.Discard)
	var te *task.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected task error, got %v", err)
	}
	if te.Command != "terragrunt apply -input=false tfplan" {
		t.Fatalf("command = %q", te.Command)
	}
	if !strings.Contains(te.Output, "AccessDenied") {
		t.Fatalf("output tail = %q", te.Output)
	}
}

func TestOutputWritesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "output.json")
	runner := &fakeRunner{results: map[string][]scripted{
		"output": {{res: &process.Result{Stdout: `{"bucket":{"value":"logs"}}`}}},
	}}
	client := NewClient(ClientOptions{ScriptDirectory: dir, Runner: runner})

	ok, err := NewInvoker(nil).Execute(context.Background(), client, VerbOutput, Request{OutputFile: file}, progress.Discard)
	if err != nil || !ok {
		t.Fatalf("Execute: ok=%v err=%v", ok, err)
	}
	data, _ := os.ReadFile(file)
	if !strings.Contains(string(data), `"bucket"`) {
		t.Fatalf("output file content %q", data)
	}
	if runner.calls[0].Env["TF_IN_AUTOMATION"] != "true" {
		t.Fatal("automation env not set")
	}
}

func TestWorkingDirectory(t *testing.T) {
	runner := &fakeRunner{results: map[string][]scripted{
		"terragrunt-info": {{res: &process.Result{Stdout: `{"ConfigPath":"/w/terragrunt.hcl","WorkingDir":"/w/.terragrunt-cache/abc/def"}`}}},
	}}
	client := NewClient(ClientOptions{ScriptDirectory: "/w", Runner: runner})

	dir, err := client.WorkingDirectory(context.Background(), progress.Discard)
	if err != nil {
		t.Fatalf("WorkingDirectory: %v", err)
	}
	if dir != "/w/.terragrunt-cache/abc/def" {
		t.Fatalf("dir = %q", dir)
	}
}

func TestPlanFileName(t *testing.T) {
	if PlanFileName(task.CommandApply) != "tfplan" || PlanFileName(task.CommandDestroy) != "tfdestroyplan" {
		t.Fatal("unexpected plan file names")
	}
}
