package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/policy"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/secrets"
	"github.com/openfroyo/tgworker/pkg/stores"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

func TestLayoutIsolation(t *testing.T) {
	pairs := [][2]string{{"acc", "ent"}, {"acc", "ent2"}, {"acc2", "ent"}, {"acc.1", "ent"}}
	for i, a := range pairs {
		for j, b := range pairs {
			if i == j {
				continue
			}
			la := NewLayout("/work", a[0], a[1])
			lb := NewLayout("/work", b[0], b[1])
			assert.NotEqual(t, la.Base, lb.Base)
			assert.False(t, strings.HasPrefix(la.Base+"/", lb.Base+"/"), "%s is inside %s", la.Base, lb.Base)
		}
	}

	l := NewLayout("/work", "acc", "ent")
	assert.Equal(t, "/work/terragrunt-working-dir/acc/ent", l.Base)
	assert.Equal(t, "/work/terragrunt-working-dir/acc/ent/script-repository", l.Script)
	assert.Equal(t, "/work/terragrunt-working-dir/acc/ent/tf-var-files", l.VarFiles)
	assert.Equal(t, "/work/terragrunt-working-dir/acc/ent/tf-backend-config", l.BackendConfig)
}

func TestStateFilePath(t *testing.T) {
	assert.Equal(t, "/wd/terraform.tfstate", StateFilePath("/wd", ""))
	assert.Equal(t, "/wd/terraform.tfstate", StateFilePath("/wd", "default"))
	assert.Equal(t, "/wd/terraform.tfstate.d/prod/terraform.tfstate", StateFilePath("/wd", "prod"))
}

func TestBuildRemovesStaleFiles(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	base := moduleBase()
	script := filepath.Join(h.layout("acc", "ent").Script, "modules", "app")
	leftovers := []string{
		filepath.Join(script, ".terragrunt-cache", "abc", "main.tf"),
		filepath.Join(script, ".terraform.lock.hcl"),
		filepath.Join(script, ".terraform", "terraform.tfstate"),
	}
	for _, p := range leftovers {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("stale"), 0o644))
	}
	kept := filepath.Join(script, ".terraform", "providers.txt")
	require.NoError(t, os.WriteFile(kept, []byte("keep"), 0o644))

	ec, err := e.builder.Build(context.Background(), &base, progress.Discard)
	require.NoError(t, err)

	assert.Equal(t, script, ec.ScriptDirectory)
	for _, p := range leftovers {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be removed", p)
	}
	_, err = os.Stat(filepath.Join(script, ".terragrunt-cache"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, kept)
	assert.FileExists(t, filepath.Join(script, "terragrunt.hcl"))
}

func TestBuildBackendFile(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	base := moduleBase()
	base.BackendFileStore = &task.StoreConfig{
		Identifier: "backend",
		Kind:       task.StoreInline,
		Files: map[string]string{
			"a-backend.hcl": "bucket = \"state\"\n",
			"b-backend.hcl": "bucket = \"other\"\n",
		},
	}

	var logs recordingLog
	ec, err := e.builder.Build(context.Background(), &base, &logs)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.layout("acc", "ent").BackendConfig, "a-backend.hcl"), ec.BackendFile)
	assert.Equal(t, "ref-backend", ec.BackendFileSourceReference)
	require.Len(t, logs.warnings, 1)
	assert.Contains(t, logs.warnings[0], "returned 2 files")
}

func TestBuildMissingRunPath(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	base := moduleBase()
	base.RunConfiguration.Path = "modules/missing"
	_, err := e.builder.Build(context.Background(), &base, progress.Discard)
	require.Error(t, err)
	assert.True(t, task.IsFetchFiles(err))
}

func TestApplyComputesPlanOnce(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.Workspace = "prod"
	params.VarFileStores = []task.StoreConfig{varStore("s1")}

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fetch:config",
		"fetch:s1",
		"client",
		"workspace:prod",
		"plan:tfplan",
		"apply:tfplan",
		"output",
		"upload:" + files.BucketState,
	}, h.calls.list())

	assert.Equal(t, "state-1", resp.StateFileID)
	assert.Equal(t, `{"endpoint":{"value":"https://example.test"}}`, resp.Outputs)
	assert.Empty(t, resp.PlanJSONFileID)
	assert.Nil(t, resp.EncryptedPlan)
	assert.Equal(t, "ref-config", resp.ConfigFilesSourceReference)
	assert.Equal(t, map[string]string{"s1": "ref-s1"}, resp.VarFilesSourceReference)
	assert.Equal(t, []byte(`{"version":4}`), h.files.uploaded["state-1"])

	for _, unit := range []string{UnitFetchFiles, UnitWorkspace, UnitPlan, UnitApply, UnitOutput, UnitArtifacts, UnitCleanup} {
		assert.Equal(t, progress.StatusSuccess, statusOf(resp.UnitProgressData, unit), unit)
	}
	assert.Empty(t, statusOf(resp.UnitProgressData, UnitInit))
	assert.NoDirExists(t, h.layout("acc", "ent").Base)
	h.manager.AssertNotCalled(t, "Decrypt", mock.Anything, mock.Anything)
}

func TestApplyReplaysApprovedPlan(t *testing.T) {
	h := newHarness(t)

	var replayed string
	h.client.On("apply").Run(func(mock.Arguments) {
		data, _ := os.ReadFile(filepath.Join(h.client.opts.ScriptDirectory, terragrunt.PlanFileApply))
		replayed = string(data)
	}).Return(executed(terragrunt.VerbApply), nil).Once()
	h.happy()
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.EncryptedPlan = &task.EncryptedRecord{ID: "rec-0", Name: "tfplan-approved", Manager: "vault"}

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fetch:config",
		"client",
		"decrypt",
		"apply:tfplan",
		"output",
		"upload:" + files.BucketState,
		"delete",
	}, h.calls.list())
	assert.Equal(t, "approved-plan", replayed)
	assert.Equal(t, 0, h.calls.count("plan:tfplan"))
	h.manager.AssertCalled(t, "Decrypt", "tfplan-approved", "acc")
	h.manager.AssertCalled(t, "Delete", "tfplan-approved")
	assert.NotEmpty(t, resp.StateFileID)
}

func TestRunAllNeverTouchesState(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.RunConfiguration = task.RunConfiguration{RunType: task.RunAll, Path: "modules"}
	params.StateFileID = "state-0"
	params.Workspace = "prod"
	params.PlanSecretManager = nil

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fetch:config",
		"client",
		"init",
		"workspace:prod",
		"plan:tfplan",
		"apply:tfplan",
		"output",
	}, h.calls.list())
	assert.Empty(t, resp.StateFileID)
	h.files.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
	h.files.AssertNotCalled(t, "Upload", mock.Anything)
	h.client.AssertNotCalled(t, "WorkingDirectory")
}

func TestDestroy(t *testing.T) {
	t.Run("approved plan is applied", func(t *testing.T) {
		h := newHarness(t)
		h.happy()
		e := h.executor(t)

		params := &task.DestroyParameters{Base: moduleBase()}
		params.EncryptedPlan = &task.EncryptedRecord{Name: "tfdestroyplan-approved", Manager: "vault"}

		resp, err := e.Execute(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"fetch:config",
			"client",
			"decrypt",
			"apply:tfdestroyplan",
			"upload:" + files.BucketState,
			"delete",
		}, h.calls.list())
		assert.Equal(t, "state-1", resp.StateFileID)
		assert.Equal(t, progress.StatusSuccess, statusOf(resp.UnitProgressData, UnitDestroy))
	})

	t.Run("module without plan destroys directly", func(t *testing.T) {
		h := newHarness(t)
		h.happy()
		e := h.executor(t)

		resp, err := e.Execute(context.Background(), &task.DestroyParameters{Base: moduleBase()})
		require.NoError(t, err)
		assert.Equal(t, []string{"fetch:config", "client", "destroy", "upload:" + files.BucketState}, h.calls.list())
		assert.Equal(t, "state-1", resp.StateFileID)
	})

	t.Run("run-all destroys directly", func(t *testing.T) {
		h := newHarness(t)
		h.happy()
		e := h.executor(t)

		params := &task.DestroyParameters{Base: moduleBase()}
		params.RunConfiguration = task.RunConfiguration{RunType: task.RunAll}

		resp, err := e.Execute(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, []string{"fetch:config", "client", "init", "destroy"}, h.calls.list())
		assert.Empty(t, resp.StateFileID)
	})
}

func TestPlanModuleExports(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	params := &task.PlanParameters{
		Base:                    moduleBase(),
		CommandType:             task.CommandApply,
		ExportJSONPlan:          true,
		ExportHumanReadablePlan: true,
	}

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fetch:config",
		"client",
		"plan:tfplan",
		"show:tfplan",
		"encrypt",
		"upload:" + files.BucketState,
		"upload:" + files.BucketPlanJSON,
		"show:tfplan",
		"upload:" + files.BucketHumanReadablePlan,
	}, h.calls.list())

	require.NotNil(t, resp.EncryptedPlan)
	assert.True(t, strings.HasPrefix(resp.EncryptedPlan.Name, "tfplan-ent-"))
	assert.Equal(t, "state-1", resp.StateFileID)
	assert.Equal(t, "plan-json-1", resp.PlanJSONFileID)
	assert.Equal(t, "plan-txt-1", resp.PlanHumanReadableFileID)
	assert.Equal(t, &task.PlanSummary{Add: 2, Change: 1, Destroy: 1}, resp.PlanSummary)
	h.manager.AssertCalled(t, "Encrypt", "acc", "computed-plan")
	// The plan secret belongs to the caller now.
	h.manager.AssertNotCalled(t, "Delete", mock.Anything)
}

func TestPlanDestroyCommandType(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	params := &task.PlanParameters{Base: moduleBase(), CommandType: task.CommandDestroy}
	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Contains(t, h.calls.list(), "plan:tfdestroyplan")
	assert.True(t, strings.HasPrefix(resp.EncryptedPlan.Name, "tfdestroyplan-"))
}

func TestPlanRunAllSkipsExport(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	params := &task.PlanParameters{Base: moduleBase(), CommandType: task.CommandApply, ExportJSONPlan: true}
	params.RunConfiguration = task.RunConfiguration{RunType: task.RunAll}
	params.PlanSecretManager = nil

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch:config", "client", "init", "plan:tfplan"}, h.calls.list())
	assert.Nil(t, resp.EncryptedPlan)
	assert.Empty(t, resp.PlanJSONFileID)
	assert.Contains(t, h.out.String(), "Plan export is only supported for MODULE runs")
}

func TestPlanPolicyGate(t *testing.T) {
	h := newHarness(t)
	h.happy()

	pe, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, pe.ReplacePolicies(context.Background(), []policy.Policy{{
		Name:     "no-replace",
		Severity: policy.SeverityError,
		Enabled:  true,
		Rego: `package tgworker.plan

import rego.v1

deny contains msg if {
	some rc in input.resource_changes
	"delete" in rc.change.actions
	msg := sprintf("%s must not be replaced", [rc.address])
}
`,
	}}))
	h.opts.Policy = pe
	e := h.executor(t)

	params := &task.PlanParameters{Base: moduleBase(), CommandType: task.CommandApply}
	_, err = e.Execute(context.Background(), params)
	require.Error(t, err)

	kind, ok := task.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, task.ErrorKindPolicyDenied, kind)
	assert.Contains(t, err.Error(), "aws_instance.web must not be replaced")
	h.manager.AssertNotCalled(t, "Encrypt", mock.Anything, mock.Anything)
	h.files.AssertNotCalled(t, "Upload", mock.Anything)
	assert.NoDirExists(t, h.layout("acc", "ent").Base)
}

func TestWorkspaceSkipContinues(t *testing.T) {
	h := newHarness(t)
	h.client.On("workspace").Return(skipped(terragrunt.VerbWorkspace), nil).Once()
	h.happy()
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.Workspace = "default"

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"fetch:config",
		"client",
		"workspace:default",
		"plan:tfplan",
		"apply:tfplan",
		"output",
		"upload:" + files.BucketState,
	}, h.calls.list())
	assert.Equal(t, progress.StatusSuccess, statusOf(resp.UnitProgressData, UnitWorkspace))
}

func TestCleanupOnFailure(t *testing.T) {
	withBackend := func(b *task.Base) {
		b.BackendFileStore = &task.StoreConfig{
			Identifier: "backend",
			Kind:       task.StoreInline,
			Files:      map[string]string{"backend.hcl": "bucket = \"state\"\n"},
		}
	}

	tests := []struct {
		name       string
		setup      func(t *testing.T, h *harness)
		modify     func(b *task.Base)
		wantKind   task.ErrorKind
		failedUnit string
	}{
		{
			name:       "fetch",
			setup:      func(_ *testing.T, h *harness) { h.fetcher.On("Fetch", "config").Return(errors.New("repository not found")).Once() },
			wantKind:   task.ErrorKindFetchFiles,
			failedUnit: UnitFetchFiles,
		},
		{
			name:       "init",
			setup:      func(_ *testing.T, h *harness) { h.client.On("init").Return(failed(terragrunt.VerbInit), nil).Once() },
			modify:     withBackend,
			wantKind:   task.ErrorKindCLIRuntime,
			failedUnit: UnitInit,
		},
		{
			name:       "plan",
			setup:      func(_ *testing.T, h *harness) { h.client.On("plan").Return(failed(terragrunt.VerbPlan), nil).Once() },
			wantKind:   task.ErrorKindCLIRuntime,
			failedUnit: UnitPlan,
		},
		{
			name:       "apply",
			setup:      func(_ *testing.T, h *harness) { h.client.On("apply").Return(failed(terragrunt.VerbApply), nil).Once() },
			wantKind:   task.ErrorKindCLIRuntime,
			failedUnit: UnitApply,
		},
		{
			name:       "output",
			setup:      func(_ *testing.T, h *harness) { h.client.On("output").Return(failed(terragrunt.VerbOutput), nil).Once() },
			wantKind:   task.ErrorKindCLIRuntime,
			failedUnit: UnitOutput,
		},
		{
			name: "upload",
			setup: func(_ *testing.T, h *harness) {
				h.files.On("Upload", files.BucketState).Return("", errors.New("service unavailable")).Once()
			},
			wantKind:   task.ErrorKindArtifactUpload,
			failedUnit: UnitArtifacts,
		},
		{
			name: "decrypt",
			setup: func(_ *testing.T, h *harness) {
				h.manager.On("Decrypt", mock.Anything, mock.Anything).Return(nil, errors.New("permission denied")).Once()
			},
			modify: func(b *task.Base) {
				b.EncryptedPlan = &task.EncryptedRecord{Name: "tfplan-approved", Manager: "vault"}
			},
			wantKind:   task.ErrorKindSecretLifecycle,
			failedUnit: UnitPlan,
		},
		{
			name: "decrypt input",
			setup: func(t *testing.T, h *harness) {
				h.opts.Resolver = secrets.NewResolver(secrets.WithEnvLookup(func(string) (string, bool) { return "", false }))
				// Left behind by an earlier attempt.
				stale := h.layout("acc", "ent").Script
				require.NoError(t, os.MkdirAll(stale, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(stale, "main.tf"), []byte("# stale\n"), 0o600))
			},
			modify: func(b *task.Base) {
				b.EncryptedPlan = &task.EncryptedRecord{Name: "tfplan-approved", Manager: "vault"}
				b.SecretEnvVars = map[string]task.SecretRef{"TF_VAR_x": "env://TGWORKER_TEST_UNSET_VAR"}
			},
			wantKind: task.ErrorKindInvalidParameters,
		},
		{
			name: "ssh key",
			setup: func(_ *testing.T, h *harness) {
				h.opts.Resolver = secrets.NewResolver(secrets.WithEnvLookup(func(name string) (string, bool) {
					return "not a private key", name == "DEPLOY_KEY"
				}))
			},
			modify: func(b *task.Base) {
				b.ConfigFilesStore = task.StoreConfig{
					Identifier:  "config",
					Kind:        task.StoreGit,
					URL:         "git@git.example.test:org/infra.git",
					Branch:      "main",
					Credentials: &task.Credentials{SSHKeyRef: "env://DEPLOY_KEY"},
				}
			},
			wantKind:   task.ErrorKindFetchFiles,
			failedUnit: UnitFetchFiles,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)
			h.happy()
			e := h.executor(t)

			params := &task.ApplyParameters{Base: moduleBase()}
			if tt.modify != nil {
				tt.modify(&params.Base)
			}

			resp, err := e.Execute(context.Background(), params)
			require.Error(t, err)
			assert.Nil(t, resp)

			var failure *task.Failure
			require.ErrorAs(t, err, &failure)
			kind, ok := task.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, kind)

			if tt.failedUnit != "" {
				assert.Equal(t, progress.StatusFailure, statusOf(failure.Progress, tt.failedUnit))
			}
			assert.Equal(t, progress.StatusSuccess, statusOf(failure.Progress, UnitCleanup))
			for _, up := range failure.Progress {
				assert.True(t, up.Status.Terminal(), "unit %s left open", up.Unit)
			}
			assert.NoDirExists(t, h.layout("acc", "ent").Base)

			if params.EncryptedPlan != nil {
				h.manager.AssertCalled(t, "Delete", "tfplan-approved")
			}
		})
	}
}

func TestPlanFailureDeletesCreatedSecret(t *testing.T) {
	h := newHarness(t)
	h.files.On("Upload", files.BucketState).Return("", errors.New("service unavailable")).Once()
	h.happy()
	e := h.executor(t)

	params := &task.PlanParameters{Base: moduleBase(), CommandType: task.CommandApply}
	_, err := e.Execute(context.Background(), params)
	require.Error(t, err)

	calls := h.calls.list()
	assert.Equal(t, []string{"fetch:config", "client", "plan:tfplan", "encrypt", "upload:" + files.BucketState, "delete"}, calls)
	h.manager.AssertCalled(t, "Delete", mock.MatchedBy(func(name string) bool {
		return strings.HasPrefix(name, "tfplan-ent-")
	}))
	assert.NoDirExists(t, h.layout("acc", "ent").Base)
}

func TestSecretDeleteFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.manager.On("Delete", "tfplan-approved").Return(false, errors.New("403 forbidden")).Once()
	h.happy()
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.EncryptedPlan = &task.EncryptedRecord{Name: "tfplan-approved", Manager: "vault"}

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusSuccess, statusOf(resp.UnitProgressData, UnitCleanup))
	assert.Contains(t, h.out.String(), "Failed to delete secret: [tfplan-approved] from vault: [vault], please clean it up")
	assert.Contains(t, h.out.String(), "Done cleaning up directories.")
}

func TestCancellationIsNotWrapped(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.client.On("plan").Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled).Once()
	h.happy()
	e := h.executor(t)

	_, err := e.Execute(ctx, &task.ApplyParameters{Base: moduleBase()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var failure *task.Failure
	assert.False(t, errors.As(err, &failure))
	assert.Equal(t, 0, h.calls.count("apply:tfplan"))
	assert.NoDirExists(t, h.layout("acc", "ent").Base)
}

func TestFailureIsSanitized(t *testing.T) {
	const token = "s3cr3t-token-value"

	h := newHarness(t)
	h.fetcher.On("Fetch", "config").Return(errors.New("clone failed for https://user:" + token + "@git.example.test/repo.git")).Once()
	h.happy()
	h.opts.Resolver = secrets.NewResolver(secrets.WithEnvLookup(func(name string) (string, bool) {
		if name == "GIT_TOKEN" {
			return token, true
		}
		return "", false
	}))
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.SecretEnvVars = map[string]task.SecretRef{"TF_VAR_token": "env://GIT_TOKEN"}

	_, err := e.Execute(context.Background(), params)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), token)
	assert.Contains(t, err.Error(), task.Mask)
	assert.NotContains(t, h.out.String(), token)

	// The caller's parameters keep the reference, not the value.
	assert.Empty(t, params.EnvVars)
}

func TestRetryKeepsFinishedUnits(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	m := progress.NewMap()
	require.True(t, m.Open(UnitFetchFiles))
	require.True(t, m.Close(UnitFetchFiles, progress.StatusSuccess))
	before, _ := m.Get(UnitFetchFiles)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.CommandUnitsProgress = m

	resp, err := e.Execute(context.Background(), params)
	require.NoError(t, err)

	after, _ := m.Get(UnitFetchFiles)
	assert.Equal(t, before, after)
	assert.Equal(t, UnitFetchFiles, resp.UnitProgressData[0].Unit)
	assert.Equal(t, progress.StatusSuccess, statusOf(resp.UnitProgressData, UnitApply))
}

func TestRetryReportsFailureOfFinishedUnit(t *testing.T) {
	h := newHarness(t)
	h.client.On("plan").Return(failed(terragrunt.VerbPlan), nil).Once()
	h.happy()
	e := h.executor(t)

	m := progress.NewMap()
	require.True(t, m.Open(UnitPlan))
	require.True(t, m.Close(UnitPlan, progress.StatusSuccess))

	params := &task.ApplyParameters{Base: moduleBase()}
	params.CommandUnitsProgress = m

	_, err := e.Execute(context.Background(), params)
	require.Error(t, err)
	kind, _ := task.KindOf(err)
	assert.Equal(t, task.ErrorKindCLIRuntime, kind)

	// The earlier attempt's status stands, but the failure is not silent.
	assert.Equal(t, progress.StatusSuccess, statusOf(m.Snapshot(), UnitPlan))
	assert.True(t, hasLine(h.out.String(), "[Plan] ", "terragrunt plan failed with exit code 1"), h.out.String())
}

func TestFailureBeforeFirstUnitIsReported(t *testing.T) {
	h := newHarness(t)
	h.happy()
	h.opts.Resolver = secrets.NewResolver(secrets.WithEnvLookup(func(string) (string, bool) { return "", false }))
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.SecretEnvVars = map[string]task.SecretRef{"TF_VAR_x": "env://TGWORKER_TEST_UNSET_VAR"}

	_, err := e.Execute(context.Background(), params)
	require.Error(t, err)
	assert.True(t, hasLine(h.out.String(), "[Task] ", "failed to resolve secret for env var TF_VAR_x"), h.out.String())
	assert.Empty(t, h.calls.list())
}

// hasLine reports whether out has a line starting with prefix and containing substr.
func hasLine(out, prefix, substr string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) && strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestInvalidParameters(t *testing.T) {
	h := newHarness(t)
	h.happy()
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.AccountID = "../etc"

	_, err := e.Execute(context.Background(), params)
	require.Error(t, err)
	kind, _ := task.KindOf(err)
	assert.Equal(t, task.ErrorKindInvalidParameters, kind)
	assert.Empty(t, h.calls.list())
}

func TestHistoryAndStateRestore(t *testing.T) {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc := files.NewDBService(store)

	stateID, err := svc.Upload(ctx, files.Descriptor{Bucket: files.BucketState, AccountID: "acc", Name: "terraform.tfstate"},
		strings.NewReader(`{"version":4,"serial":7}`))
	require.NoError(t, err)

	h := newHarness(t)
	var restored string
	h.client.On("plan").Run(func(mock.Arguments) {
		data, _ := os.ReadFile(StateFilePath(h.client.opts.ScriptDirectory, "prod"))
		restored = string(data)
	}).Return(executed(terragrunt.VerbPlan), nil).Once()
	h.client.On("plan").Return(executed(terragrunt.VerbPlan), nil).Maybe()
	h.client.On("WorkingDirectory").Return(nil).Maybe()
	for _, verb := range []terragrunt.Verb{terragrunt.VerbWorkspace, terragrunt.VerbApply, terragrunt.VerbOutput} {
		h.client.On(string(verb)).Return(executed(verb), nil).Maybe()
	}
	h.fetcher.On("Fetch", mock.Anything).Return(nil)
	h.opts.Files = svc
	h.opts.History = store
	h.opts.Recorder = store
	e := h.executor(t)

	params := &task.ApplyParameters{Base: moduleBase()}
	params.Workspace = "prod"
	params.StateFileID = stateID

	resp, err := e.Execute(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, `{"version":4,"serial":7}`, restored)
	assert.NotEqual(t, stateID, resp.StateFileID)

	run, err := store.GetTaskRun(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, stores.TaskRunStatusSucceeded, run.Status)
	require.NotNil(t, run.Response)
	assert.Contains(t, *run.Response, resp.StateFileID)

	units, err := store.ListUnits(ctx, "task-1")
	require.NoError(t, err)
	assert.NotEmpty(t, units)

	t.Run("missing state only warns", func(t *testing.T) {
		params := &task.ApplyParameters{Base: moduleBase()}
		params.TaskID = "task-2"
		params.StateFileID = "no-such-file"

		_, err := e.Execute(ctx, params)
		require.NoError(t, err)
		assert.Contains(t, h.out.String(), "State file [no-such-file] not found")
	})
}

func TestSummarizePlan(t *testing.T) {
	s, err := SummarizePlan([]byte(samplePlanJSON))
	require.NoError(t, err)
	assert.Equal(t, &task.PlanSummary{Add: 2, Change: 1, Destroy: 1}, s)

	_, err = SummarizePlan([]byte("not json"))
	assert.Error(t, err)
}

func TestBuildRequest(t *testing.T) {
	merged := mergeFlags(
		map[string]string{"plan": "-lock-timeout=5m", "init": "-upgrade"},
		map[string]string{"plan": "-parallelism=2", "apply": "-refresh=false"},
	)
	assert.Equal(t, map[string]string{
		"plan":  "-lock-timeout=5m -parallelism=2",
		"init":  "-upgrade",
		"apply": "-refresh=false",
	}, merged)
	assert.Nil(t, mergeFlags(nil, nil))

	extra, err := terragrunt.ParseFlags(merged)
	require.NoError(t, err)

	ec := &ExecutionContext{
		ScriptDirectory: "/work/script",
		RunType:         task.RunModule,
		VarFiles:        []string{"/work/vars/a.tfvars"},
		BackendFile:     "/work/backend/backend.hcl",
		Env:             map[string]string{"A": "1"},
	}
	base := moduleBase()
	base.Targets = []string{"module.app"}
	base.Workspace = "prod"

	req := buildRequest(ec, &base, extra)
	assert.Equal(t, "/work/script", req.WorkingDir)
	assert.Equal(t, []string{"module.app"}, req.Targets)
	assert.Equal(t, []string{"/work/vars/a.tfvars"}, req.VarFiles)
	assert.Equal(t, "/work/backend/backend.hcl", req.BackendConfigFile)
	assert.Equal(t, "prod", req.Workspace)
	assert.Equal(t, []string{"-lock-timeout=5m", "-parallelism=2"}, req.ExtraFlags[terragrunt.VerbPlan])

	// Per-verb copies never leak into the template.
	_ = req.With(func(q *terragrunt.Request) { q.Targets[0] = "changed" })
	assert.Equal(t, "module.app", req.Targets[0])
}

type recordingLog struct {
	infos    []string
	warnings []string
	errors   []string
}

func (l *recordingLog) Infof(format string, args ...interface{}) {
	l.infos = append(l.infos, fmt.Sprintf(format, args...))
}

func (l *recordingLog) Warnf(format string, args ...interface{}) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *recordingLog) Errorf(format string, args ...interface{}) {
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}
