package task

import (
	"github.com/openfroyo/tgworker/pkg/progress"
)

// Kind tags a task variant.
type Kind string

const (
	KindPlan    Kind = "plan"
	KindApply   Kind = "apply"
	KindDestroy Kind = "destroy"
)

// RunType selects between one module and a whole module tree.
type RunType string

const (
	// RunModule runs terragrunt against a single module directory.
	RunModule RunType = "MODULE"
	// RunAll recurses with `terragrunt run-all` over a tree of modules.
	RunAll RunType = "RUN_ALL"
)

// CommandType says what a computed plan will be used for.
type CommandType string

const (
	CommandApply   CommandType = "APPLY"
	CommandDestroy CommandType = "DESTROY"
)

// StoreKind identifies a remote file store protocol.
type StoreKind string

const (
	StoreGit    StoreKind = "GIT"
	StoreS3     StoreKind = "S3"
	StoreSFTP   StoreKind = "SFTP"
	StoreInline StoreKind = "INLINE"
)

// SecretRef points at a secret value, e.g. "vault://secret/path#key",
// "env://NAME" or "file:///path". It is never the value itself.
type SecretRef string

// RunConfiguration selects the run type and the module path inside the config files.
type RunConfiguration struct {
	RunType RunType `json:"runType" validate:"required,oneof=MODULE RUN_ALL"`
	Path    string  `json:"path"`
}

// Credentials authenticate a remote store. Ref fields come from the caller;
// the plain fields are filled by Decrypt and are never serialized.
type Credentials struct {
	Username            string    `json:"username,omitempty"`
	PasswordRef         SecretRef `json:"passwordRef,omitempty"`
	SSHKeyRef           SecretRef `json:"sshKeyRef,omitempty"`
	SSHKeyPassphraseRef SecretRef `json:"sshKeyPassphraseRef,omitempty"`
	AccessKeyID         string    `json:"accessKeyId,omitempty"`
	SecretAccessKeyRef  SecretRef `json:"secretAccessKeyRef,omitempty"`
	SessionTokenRef     SecretRef `json:"sessionTokenRef,omitempty"`

	Password         string `json:"-"`
	SSHKey           string `json:"-"`
	SSHKeyPassphrase string `json:"-"`
	SecretAccessKey  string `json:"-"`
	SessionToken     string `json:"-"`
}

// StoreConfig describes where a set of files lives.
type StoreConfig struct {
	// Identifier keys the per-store source reference in responses.
	Identifier string    `json:"identifier" validate:"required"`
	Kind       StoreKind `json:"kind" validate:"required,oneof=GIT S3 SFTP INLINE"`

	// GIT
	URL    string `json:"url,omitempty" validate:"required_if=Kind GIT"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`

	// S3
	Region   string `json:"region,omitempty" validate:"required_if=Kind S3"`
	Bucket   string `json:"bucket,omitempty" validate:"required_if=Kind S3"`
	Endpoint string `json:"endpoint,omitempty"`

	// SFTP
	Host string `json:"host,omitempty" validate:"required_if=Kind SFTP"`
	Port int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// INLINE: file name to content.
	Files map[string]string `json:"files,omitempty" validate:"required_if=Kind INLINE"`

	// Paths lists files (or prefixes for S3, directories for SFTP) to pull.
	// For config stores the first path is the root folder; empty means the whole source.
	Paths []string `json:"paths,omitempty"`

	Credentials *Credentials `json:"credentials,omitempty"`
}

// UsesSSHKey reports whether the store authenticates with a private key.
func (s StoreConfig) UsesSSHKey() bool {
	return s.Credentials != nil && s.Credentials.SSHKeyRef != ""
}

// SecretManagerConfig names a configured secret manager.
type SecretManagerConfig struct {
	Name string `json:"name" validate:"required"`
}

// EncryptedRecord is a secret-manager handle for an encrypted plan.
type EncryptedRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Manager       string `json:"manager"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
	// EncryptedValue holds ciphertext for managers that return it inline.
	EncryptedValue string `json:"encryptedValue,omitempty"`
}

// PlanSummary counts resource actions in an exported JSON plan.
type PlanSummary struct {
	Add     int `json:"add"`
	Change  int `json:"change"`
	Destroy int `json:"destroy"`
}

// Response is what a task returns to its caller.
type Response struct {
	TaskID string `json:"taskId"`
	Kind   Kind   `json:"kind"`

	StateFileID                string            `json:"stateFileId,omitempty"`
	EncryptedPlan              *EncryptedRecord  `json:"encryptedPlan,omitempty"`
	PlanJSONFileID             string            `json:"planJsonFileId,omitempty"`
	PlanHumanReadableFileID    string            `json:"planHumanReadableFileId,omitempty"`
	PlanSummary                *PlanSummary      `json:"planSummary,omitempty"`
	Outputs                    string            `json:"outputs,omitempty"`
	ConfigFilesSourceReference string            `json:"configFilesSourceReference,omitempty"`
	BackendFileSourceReference string            `json:"backendFileSourceReference,omitempty"`
	VarFilesSourceReference    map[string]string `json:"varFilesSourceReference,omitempty"`

	UnitProgressData []progress.UnitProgress `json:"unitProgressData"`
}
