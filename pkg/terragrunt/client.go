package terragrunt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openfroyo/tgworker/pkg/process"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
)

// Status tells executed verbs apart from deliberately skipped ones.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusSkipped  Status = "SKIPPED"
)

// Response is the uniform result of a verb.
type Response struct {
	Verb     Verb
	Status   Status
	Command  string
	ExitCode int
	// Output is the tail of what the process printed.
	Output   string
	Duration time.Duration
}

// Client runs terragrunt verbs. Errors are reserved for processes that
// could not run to completion; a non-zero exit is reported in the Response.
type Client interface {
	Init(ctx context.Context, req Request, log progress.Log) (*Response, error)
	Workspace(ctx context.Context, req Request, log progress.Log) (*Response, error)
	Plan(ctx context.Context, req Request, log progress.Log) (*Response, error)
	Apply(ctx context.Context, req Request, log progress.Log) (*Response, error)
	Destroy(ctx context.Context, req Request, log progress.Log) (*Response, error)
	Output(ctx context.Context, req Request, log progress.Log) (*Response, error)
	Show(ctx context.Context, req Request, log progress.Log) (*Response, error)

	// WorkingDirectory asks terragrunt where it will run terraform for a module.
	WorkingDirectory(ctx context.Context, log progress.Log) (string, error)
}

// ClientOptions binds a client to one script directory.
type ClientOptions struct {
	// Binary is the terragrunt executable, "terragrunt" when empty.
	Binary string

	ScriptDirectory string
	RunType         task.RunType
	Timeout         time.Duration
	Env             map[string]string

	Runner process.Runner

	// TailLines bounds the output kept in responses.
	TailLines int
}

// CLIClient is the os/exec backed Client.
type CLIClient struct {
	opts ClientOptions
}

// NewClient returns a client bound to opts.ScriptDirectory.
func NewClient(opts ClientOptions) *CLIClient {
	if opts.Binary == "" {
		opts.Binary = "terragrunt"
	}
	if opts.Runner == nil {
		opts.Runner = process.NewExecRunner()
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 40
	}
	return &CLIClient{opts: opts}
}

var _ Client = (*CLIClient)(nil)

func (c *CLIClient) env(req Request) map[string]string {
	env := map[string]string{
		"TF_IN_AUTOMATION": "true",
		"TF_INPUT":         "0",
	}
	for k, v := range c.opts.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

func (c *CLIClient) run(ctx context.Context, verb Verb, req Request, args []string, log progress.Log, stdout *os.File) (*Response, error) {
	resp, _, err := c.exec(ctx, verb, req, args, log, stdout)
	return resp, err
}

func (c *CLIClient) exec(ctx context.Context, verb Verb, req Request, args []string, log progress.Log, stdout *os.File) (*Response, *process.Result, error) {
	dir := req.WorkingDir
	if dir == "" {
		dir = c.opts.ScriptDirectory
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.opts.Timeout
	}

	cmd := process.Command{
		Name:    c.opts.Binary,
		Args:    args,
		Dir:     dir,
		Env:     c.env(req),
		Timeout: timeout,
		OnLine:  func(line string) { log.Infof("%s", line) },
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}

	log.Infof("%s", cmd.String())
	res, err := c.opts.Runner.Run(ctx, cmd)
	resp := &Response{Verb: verb, Status: StatusExecuted, Command: cmd.String()}
	if res != nil {
		resp.ExitCode = res.ExitCode
		resp.Output = res.Tail(c.opts.TailLines)
		resp.Duration = res.Duration
	}
	return resp, res, err
}

// Init runs terragrunt init, with the backend config file when one was fetched.
func (c *CLIClient) Init(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	if req.BackendConfigFile != "" {
		if data, err := os.ReadFile(req.BackendConfigFile); err == nil {
			log.Infof("Initialize terraform with backend configuration:")
			scanner := bufio.NewScanner(bytes.NewReader(data))
			for scanner.Scan() {
				log.Infof("  %s", scanner.Text())
			}
		}
	}
	return c.run(ctx, VerbInit, req, initArgs(req), log, nil)
}

// Workspace selects req.Workspace, creating it when missing. It is skipped
// for run-all requests and when the workspace is already current.
func (c *CLIClient) Workspace(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	if req.IsRunAll() {
		log.Warnf("Workspace commands are not supported with run-all, skipping workspace %s", req.Workspace)
		return &Response{Verb: VerbWorkspace, Status: StatusSkipped}, nil
	}

	list, res, err := c.exec(ctx, VerbWorkspace, req, workspaceArgs("list", ""), log, nil)
	if err != nil || list.ExitCode != 0 {
		return list, err
	}

	current, existing := parseWorkspaces(res.Stdout)
	if current == req.Workspace {
		log.Infof("Workspace %s is already selected", req.Workspace)
		return &Response{Verb: VerbWorkspace, Status: StatusSkipped, Command: list.Command}, nil
	}

	sub := "new"
	if existing[req.Workspace] {
		sub = "select"
	}
	return c.run(ctx, VerbWorkspace, req, workspaceArgs(sub, req.Workspace), log, nil)
}

// parseWorkspaces reads `workspace list` output; the current one is starred.
func parseWorkspaces(out string) (string, map[string]bool) {
	var current string
	existing := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		starred := strings.HasPrefix(line, "*")
		name := strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if strings.ContainsAny(name, " \t") {
			// Not a workspace line (terragrunt log noise).
			continue
		}
		existing[name] = true
		if starred {
			current = name
		}
	}
	return current, existing
}

// Plan runs terragrunt plan writing req.PlanName.
func (c *CLIClient) Plan(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	return c.run(ctx, VerbPlan, req, planArgs(req), log, nil)
}

// Apply applies req.PlanName, or auto-approves a fresh apply when it is empty.
func (c *CLIClient) Apply(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	return c.run(ctx, VerbApply, req, applyArgs(req), log, nil)
}

// Destroy runs terragrunt destroy with auto approval.
func (c *CLIClient) Destroy(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	return c.run(ctx, VerbDestroy, req, destroyArgs(req), log, nil)
}

// Output writes `output -json` into req.OutputFile.
func (c *CLIClient) Output(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	return c.runToFile(ctx, VerbOutput, req, outputArgs(req), log)
}

// Show renders req.PlanName into req.OutputFile, as JSON when req.JSON is set.
func (c *CLIClient) Show(ctx context.Context, req Request, log progress.Log) (*Response, error) {
	return c.runToFile(ctx, VerbShow, req, showArgs(req), log)
}

func (c *CLIClient) runToFile(ctx context.Context, verb Verb, req Request, args []string, log progress.Log) (*Response, error) {
	if req.OutputFile == "" {
		return nil, task.NewFileCreationError(string(verb)+" output file", fmt.Errorf("no output file given"))
	}
	f, err := os.Create(req.OutputFile)
	if err != nil {
		return nil, task.NewFileCreationError(req.OutputFile, err)
	}
	defer f.Close()
	return c.run(ctx, verb, req, args, log, f)
}

type info struct {
	WorkingDir string `json:"WorkingDir"`
}

// WorkingDirectory runs terragrunt-info and returns its WorkingDir, falling
// back to the script directory when terragrunt reports none.
func (c *CLIClient) WorkingDirectory(ctx context.Context, log progress.Log) (string, error) {
	cmd := process.Command{
		Name:    c.opts.Binary,
		Args:    []string{string(VerbInfo)},
		Dir:     c.opts.ScriptDirectory,
		Env:     c.env(Request{}),
		Timeout: c.opts.Timeout,
	}
	res, err := c.opts.Runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", task.NewCLIRuntimeError(string(VerbInfo), cmd.String(), res.Tail(c.opts.TailLines), res.ExitCode)
	}

	var ti info
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &ti); err != nil {
		return "", fmt.Errorf("failed to parse terragrunt-info output: %w", err)
	}
	if ti.WorkingDir == "" {
		log.Warnf("terragrunt-info reported no working directory, using %s", c.opts.ScriptDirectory)
		return c.opts.ScriptDirectory, nil
	}
	return ti.WorkingDir, nil
}
