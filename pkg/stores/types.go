package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/tgworker/pkg/progress"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// TaskRunStatus represents the outcome of a task run
type TaskRunStatus string

const (
	TaskRunStatusRunning     TaskRunStatus = "running"
	TaskRunStatusSucceeded   TaskRunStatus = "succeeded"
	TaskRunStatusFailed      TaskRunStatus = "failed"
	TaskRunStatusInterrupted TaskRunStatus = "interrupted"
)

// FileObject is an artifact held by the database file service
type FileObject struct {
	ID        string    `json:"id"`
	Bucket    string    `json:"bucket"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"` // hex sha256 of Content
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SecretBlob is ciphertext held for the local secret manager
type SecretBlob struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Manager    string    `json:"manager"`
	AccountID  string    `json:"account_id"`
	KeyID      string    `json:"key_id"`
	Salt       []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	Ciphertext []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskRun is one execution of a task on this worker
type TaskRun struct {
	TaskID      string        `json:"task_id"`
	Kind        string        `json:"kind"`
	RunType     string        `json:"run_type"`
	AccountID   string        `json:"account_id"`
	EntityID    string        `json:"entity_id"`
	Status      TaskRunStatus `json:"status"`
	ErrorKind   *string       `json:"error_kind,omitempty"`
	Error       *string       `json:"error,omitempty"`    // sanitized
	Response    *string       `json:"response,omitempty"` // JSON blob
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// UnitRecord is one recorded transition of a progress unit
type UnitRecord struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	Unit       string          `json:"unit"`
	Status     progress.Status `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// File operations
	PutFile(ctx context.Context, file *FileObject) error
	GetFile(ctx context.Context, bucket, id string) (*FileObject, error)
	DeleteFile(ctx context.Context, bucket, id string) error

	// Secret operations
	PutSecret(ctx context.Context, secret *SecretBlob) error
	GetSecret(ctx context.Context, manager, name string) (*SecretBlob, error)
	DeleteSecret(ctx context.Context, manager, name string) (bool, error)

	// Task history
	StartTaskRun(ctx context.Context, run *TaskRun) error
	FinishTaskRun(ctx context.Context, taskID string, status TaskRunStatus, errKind, errMsg, response *string) error
	GetTaskRun(ctx context.Context, taskID string) (*TaskRun, error)
	ListTaskRuns(ctx context.Context, accountID, entityID string, limit, offset int) ([]*TaskRun, error)
	AppendUnit(ctx context.Context, rec *UnitRecord) error
	ListUnits(ctx context.Context, taskID string) ([]*UnitRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
