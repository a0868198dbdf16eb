package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/secrets"
	"github.com/openfroyo/tgworker/pkg/task"
	"github.com/openfroyo/tgworker/pkg/telemetry"
)

// SecretManagers looks up plan secret managers by name.
type SecretManagers interface {
	Get(name string) (secrets.Manager, error)
}

// Artifacts moves state and plans between the task's working directory,
// the file service and the secret managers.
type Artifacts struct {
	files   files.Service
	secrets SecretManagers
	metrics *telemetry.Metrics
}

// NewArtifacts returns an artifact manager.
func NewArtifacts(fs files.Service, sm SecretManagers, metrics *telemetry.Metrics) *Artifacts {
	if sm == nil {
		sm = secrets.NewRegistry()
	}
	return &Artifacts{files: fs, secrets: sm, metrics: metrics}
}

// RestoreState downloads base.StateFileID into the workspace's state file.
// A state file that no longer exists is not an error.
func (a *Artifacts) RestoreState(ctx context.Context, base *task.Base, ec *ExecutionContext, log progress.Log) error {
	rc, err := a.files.Download(ctx, files.BucketState, base.AccountID, base.StateFileID)
	if errors.Is(err, files.ErrNotFound) {
		log.Warnf("State file [%s] not found, continuing without prior state", base.StateFileID)
		return nil
	}
	if err != nil {
		return task.NewArtifactUploadError("download", files.BucketState, err)
	}
	defer rc.Close()

	path := StateFilePath(ec.TerragruntWorkingDirectory, base.Workspace)
	if err := writeFile(path, rc, 0o600); err != nil {
		return task.NewFileCreationError(path, err)
	}
	log.Infof("Restored state file [%s] to %s", base.StateFileID, path)
	return nil
}

// UploadState uploads the module's current state and returns its file ID.
// A module that has no state yet uploads an empty file.
func (a *Artifacts) UploadState(ctx context.Context, base *task.Base, ec *ExecutionContext, log progress.Log) (string, error) {
	path := StateFilePath(ec.TerragruntWorkingDirectory, base.Workspace)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Warnf("No state file found at %s, uploading an empty state", path)
		data = nil
	case err != nil:
		return "", task.NewFileCreationError(path, err)
	}

	id, err := a.upload(ctx, base, files.BucketState, stateFileName, data)
	if err != nil {
		return "", err
	}
	log.Infof("Uploaded state file, id: [%s]", id)
	return id, nil
}

// UploadFile uploads a local file into bucket.
func (a *Artifacts) UploadFile(ctx context.Context, base *task.Base, bucket, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", task.NewFileCreationError(path, err)
	}
	return a.upload(ctx, base, bucket, filepath.Base(path), data)
}

func (a *Artifacts) upload(ctx context.Context, base *task.Base, bucket, name string, data []byte) (string, error) {
	id, err := a.files.Upload(ctx, files.Descriptor{
		Bucket:    bucket,
		AccountID: base.AccountID,
		EntityID:  base.EntityID,
		Name:      name,
	}, bytes.NewReader(data))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", task.NewArtifactUploadError("upload", bucket, err)
	}
	a.metrics.RecordUpload(bucket)
	return id, nil
}

// EncryptPlan stores the plan file planName through the task's plan secret manager.
func (a *Artifacts) EncryptPlan(ctx context.Context, base *task.Base, ec *ExecutionContext, planName string, log progress.Log) (*task.EncryptedRecord, error) {
	m, err := a.planManager(base)
	if err != nil {
		return nil, task.NewSecretLifecycleError("encrypt", err)
	}

	path := filepath.Join(ec.TerragruntWorkingDirectory, planName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, task.NewSecretLifecycleError("encrypt", fmt.Errorf("failed to read plan file: %w", err))
	}

	name := fmt.Sprintf("%s-%s-%s", planName, base.EntityID, uuid.New().String())
	rec, err := m.Encrypt(ctx, name, data, secrets.KeyContext{
		AccountID: base.AccountID,
		EntityID:  base.EntityID,
		TaskID:    base.TaskID,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, task.NewSecretLifecycleError("encrypt", err)
	}
	log.Infof("Encrypted plan stored as secret [%s] in [%s]", rec.Name, rec.Manager)
	return rec, nil
}

// DecryptPlan writes the approved plan of base to planName in the
// terragrunt working directory.
func (a *Artifacts) DecryptPlan(ctx context.Context, base *task.Base, ec *ExecutionContext, planName string, log progress.Log) error {
	m, err := a.planManager(base)
	if err != nil {
		return task.NewSecretLifecycleError("decrypt", err)
	}

	data, err := m.Decrypt(ctx, base.EncryptedPlan, base.AccountID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return task.NewSecretLifecycleError("decrypt", err)
	}

	path := filepath.Join(ec.TerragruntWorkingDirectory, planName)
	if err := writeFile(path, bytes.NewReader(data), 0o600); err != nil {
		return task.NewFileCreationError(path, err)
	}
	log.Infof("Decrypted approved plan [%s] to %s", base.EncryptedPlan.Name, path)
	return nil
}

func (a *Artifacts) planManager(base *task.Base) (secrets.Manager, error) {
	name := ""
	switch {
	case base.PlanSecretManager != nil:
		name = base.PlanSecretManager.Name
	case base.EncryptedPlan != nil:
		name = base.EncryptedPlan.Manager
	default:
		return nil, errors.New("no plan secret manager given")
	}
	return a.secrets.Get(name)
}

// DeletePlan removes a plan secret stored for accountID. Failures are
// logged and never returned.
func (a *Artifacts) DeletePlan(ctx context.Context, rec *task.EncryptedRecord, accountID string, log progress.Log) {
	if rec == nil {
		return
	}
	failed := func() {
		log.Warnf("Failed to delete secret: [%s] from vault: [%s], please clean it up", rec.Name, rec.Manager)
		a.metrics.RecordSecretDelete(false)
	}

	m, err := a.secrets.Get(rec.Manager)
	if err != nil {
		failed()
		return
	}
	deleted, err := m.Delete(ctx, rec, accountID)
	if err != nil {
		failed()
		return
	}
	a.metrics.RecordSecretDelete(true)
	if deleted {
		log.Infof("Deleted secret [%s] from [%s]", rec.Name, rec.Manager)
	} else {
		log.Infof("Secret [%s] was already deleted from [%s]", rec.Name, rec.Manager)
	}
}

// RemoveBase deletes the task's base directory. A directory that was never
// created is fine.
func (a *Artifacts) RemoveBase(layout Layout, log progress.Log) error {
	if err := os.RemoveAll(layout.Base); err != nil {
		return fmt.Errorf("failed to remove %s: %w", layout.Base, err)
	}
	log.Infof("Done cleaning up directories.")
	return nil
}

// planJSON is the part of `show -json` the summary reads.
type planJSON struct {
	ResourceChanges []struct {
		Address string `json:"address"`
		Change  struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

// SummarizePlan counts the resource actions of a JSON plan. A replacement
// counts as one add and one destroy.
func SummarizePlan(data []byte) (*task.PlanSummary, error) {
	var p planJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	s := &task.PlanSummary{}
	for _, rc := range p.ResourceChanges {
		for _, action := range rc.Change.Actions {
			switch action {
			case "create":
				s.Add++
			case "update":
				s.Change++
			case "delete":
				s.Destroy++
			}
		}
	}
	return s, nil
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
