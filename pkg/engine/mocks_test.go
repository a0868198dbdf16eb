package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/tgworker/pkg/fetch"
	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/secrets"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

// callLog records collaborator calls across mocks in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) count(call string) int {
	n := 0
	for _, got := range c.list() {
		if got == call {
			n++
		}
	}
	return n
}

// MockFetcher writes the store's inline files into the destination.
type MockFetcher struct {
	mock.Mock
	log *callLog
}

func (m *MockFetcher) Fetch(ctx context.Context, req fetch.Request, log progress.Log) (*fetch.Result, error) {
	m.log.add("fetch:" + req.Store.Identifier)
	args := m.Called(req.Store.Identifier)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	for name, content := range req.Store.Files {
		p := filepath.Join(req.DestDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &fetch.Result{RootDir: req.DestDir, SourceReference: "ref-" + req.Store.Identifier}, nil
}

// MockClient stands in for terragrunt. Successful verbs leave the files
// terragrunt would leave behind.
type MockClient struct {
	mock.Mock
	log  *callLog
	opts terragrunt.ClientOptions
}

const samplePlanJSON = `{
  "format_version": "1.2",
  "resource_changes": [
    {"address": "aws_s3_bucket.logs", "change": {"actions": ["create"]}},
    {"address": "aws_iam_role.app", "change": {"actions": ["update"]}},
    {"address": "aws_instance.web", "change": {"actions": ["delete", "create"]}},
    {"address": "aws_db_instance.main", "change": {"actions": ["no-op"]}}
  ]
}`

func (c *MockClient) call(verb terragrunt.Verb, req terragrunt.Request) (*terragrunt.Response, error) {
	entry := string(verb)
	switch verb {
	case terragrunt.VerbWorkspace:
		entry += ":" + req.Workspace
	case terragrunt.VerbPlan, terragrunt.VerbApply, terragrunt.VerbShow:
		if req.PlanName != "" {
			entry += ":" + req.PlanName
		}
	}
	c.log.add(entry)

	args := c.MethodCalled(string(verb))
	if err := args.Error(1); err != nil {
		return nil, err
	}
	resp := args.Get(0).(*terragrunt.Response)
	if resp.Status == terragrunt.StatusExecuted && resp.ExitCode == 0 {
		if err := c.effects(verb, req); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *MockClient) effects(verb terragrunt.Verb, req terragrunt.Request) error {
	wd := c.opts.ScriptDirectory
	switch verb {
	case terragrunt.VerbPlan:
		return os.WriteFile(filepath.Join(wd, req.PlanName), []byte("computed-plan"), 0o600)
	case terragrunt.VerbApply, terragrunt.VerbDestroy:
		if c.opts.RunType != task.RunModule {
			return nil
		}
		path := StateFilePath(wd, req.Workspace)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(`{"version":4}`), 0o600)
	case terragrunt.VerbOutput:
		return os.WriteFile(req.OutputFile, []byte(`{"endpoint":{"value":"https://example.test"}}`+"\n"), 0o644)
	case terragrunt.VerbShow:
		content := "Plan: 1 to add, 1 to change, 1 to destroy."
		if req.JSON {
			content = samplePlanJSON
		}
		return os.WriteFile(req.OutputFile, []byte(content), 0o644)
	}
	return nil
}

func (c *MockClient) Init(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbInit, req)
}

func (c *MockClient) Workspace(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbWorkspace, req)
}

func (c *MockClient) Plan(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbPlan, req)
}

func (c *MockClient) Apply(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbApply, req)
}

func (c *MockClient) Destroy(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbDestroy, req)
}

func (c *MockClient) Output(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbOutput, req)
}

func (c *MockClient) Show(_ context.Context, req terragrunt.Request, _ progress.Log) (*terragrunt.Response, error) {
	return c.call(terragrunt.VerbShow, req)
}

func (c *MockClient) WorkingDirectory(_ context.Context, _ progress.Log) (string, error) {
	args := c.Called()
	if err := args.Error(0); err != nil {
		return "", err
	}
	return c.opts.ScriptDirectory, nil
}

// MockFiles keeps uploads in memory.
type MockFiles struct {
	mock.Mock
	log *callLog

	mu       sync.Mutex
	uploaded map[string][]byte
}

func (m *MockFiles) Upload(ctx context.Context, d files.Descriptor, r io.Reader) (string, error) {
	m.log.add("upload:" + d.Bucket)
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	args := m.Called(d.Bucket)
	if err := args.Error(1); err != nil {
		return "", err
	}
	id := args.String(0)
	m.mu.Lock()
	if m.uploaded == nil {
		m.uploaded = make(map[string][]byte)
	}
	m.uploaded[id] = data
	m.mu.Unlock()
	return id, nil
}

func (m *MockFiles) Download(ctx context.Context, bucket, accountID, fileID string) (io.ReadCloser, error) {
	m.log.add("download:" + fileID)
	args := m.Called(bucket, fileID)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(args.Get(0).([]byte))), nil
}

// MockManager is a plan secret manager named "vault".
type MockManager struct {
	mock.Mock
	log *callLog
}

func (m *MockManager) Name() string { return "vault" }

func (m *MockManager) Encrypt(ctx context.Context, name string, data []byte, kc secrets.KeyContext) (*task.EncryptedRecord, error) {
	m.log.add("encrypt")
	args := m.Called(kc.AccountID, string(data))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return &task.EncryptedRecord{ID: "rec-" + kc.TaskID, Name: name, Manager: m.Name()}, nil
}

func (m *MockManager) Decrypt(ctx context.Context, rec *task.EncryptedRecord, accountID string) ([]byte, error) {
	m.log.add("decrypt")
	args := m.Called(rec.Name, accountID)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return args.Get(0).([]byte), nil
}

func (m *MockManager) Delete(ctx context.Context, rec *task.EncryptedRecord, _ string) (bool, error) {
	m.log.add("delete")
	args := m.Called(rec.Name)
	return args.Bool(0), args.Error(1)
}

func executed(verb terragrunt.Verb) *terragrunt.Response {
	return &terragrunt.Response{Verb: verb, Status: terragrunt.StatusExecuted, Command: "terragrunt " + string(verb)}
}

func skipped(verb terragrunt.Verb) *terragrunt.Response {
	return &terragrunt.Response{Verb: verb, Status: terragrunt.StatusSkipped}
}

func failed(verb terragrunt.Verb) *terragrunt.Response {
	return &terragrunt.Response{
		Verb:     verb,
		Status:   terragrunt.StatusExecuted,
		Command:  "terragrunt " + string(verb),
		ExitCode: 1,
		Output:   "Error: something went wrong",
	}
}

// harness wires an Executor to mocks sharing one call log.
type harness struct {
	root    string
	calls   *callLog
	fetcher *MockFetcher
	client  *MockClient
	files   *MockFiles
	manager *MockManager
	out     *bytes.Buffer
	opts    Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	calls := &callLog{}
	h := &harness{
		root:    t.TempDir(),
		calls:   calls,
		fetcher: &MockFetcher{log: calls},
		client:  &MockClient{log: calls},
		files:   &MockFiles{log: calls},
		manager: &MockManager{log: calls},
		out:     &bytes.Buffer{},
	}
	h.opts = Options{
		BaseDir:        h.root,
		Fetcher:        h.fetcher,
		Files:          h.files,
		SecretManagers: secrets.NewRegistry(h.manager),
		NewClient: func(opts terragrunt.ClientOptions) terragrunt.Client {
			calls.add("client")
			h.client.opts = opts
			return h.client
		},
		Out: h.out,
	}
	return h
}

// happy registers successful defaults. Expectations registered before it win.
func (h *harness) happy() {
	h.fetcher.On("Fetch", mock.Anything).Return(nil).Maybe()
	for _, verb := range []terragrunt.Verb{
		terragrunt.VerbInit, terragrunt.VerbWorkspace, terragrunt.VerbPlan, terragrunt.VerbApply,
		terragrunt.VerbDestroy, terragrunt.VerbOutput, terragrunt.VerbShow,
	} {
		h.client.On(string(verb)).Return(executed(verb), nil).Maybe()
	}
	h.client.On("WorkingDirectory").Return(nil).Maybe()
	h.files.On("Upload", files.BucketState).Return("state-1", nil).Maybe()
	h.files.On("Upload", files.BucketPlanJSON).Return("plan-json-1", nil).Maybe()
	h.files.On("Upload", files.BucketHumanReadablePlan).Return("plan-txt-1", nil).Maybe()
	h.manager.On("Encrypt", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.manager.On("Decrypt", mock.Anything, mock.Anything).Return([]byte("approved-plan"), nil).Maybe()
	h.manager.On("Delete", mock.Anything).Return(true, nil).Maybe()
}

func (h *harness) executor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(h.opts)
	require.NoError(t, err)
	return e
}

func (h *harness) layout(accountID, entityID string) Layout {
	return NewLayout(h.root, accountID, entityID)
}

func moduleBase() task.Base {
	return task.Base{
		TaskID:    "task-1",
		AccountID: "acc",
		EntityID:  "ent",
		RunConfiguration: task.RunConfiguration{
			RunType: task.RunModule,
			Path:    "modules/app",
		},
		ConfigFilesStore: task.StoreConfig{
			Identifier: "config",
			Kind:       task.StoreInline,
			Files:      map[string]string{"modules/app/terragrunt.hcl": "terraform {}\n"},
		},
		PlanSecretManager: &task.SecretManagerConfig{Name: "vault"},
	}
}

func varStore(id string) task.StoreConfig {
	return task.StoreConfig{
		Identifier: id,
		Kind:       task.StoreInline,
		Files:      map[string]string{id + ".tfvars": "region = \"eu-west-1\"\n"},
	}
}

func statusOf(units []progress.UnitProgress, name string) progress.Status {
	for _, up := range units {
		if up.Unit == name {
			return up.Status
		}
	}
	return ""
}
