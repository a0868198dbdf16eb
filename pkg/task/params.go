package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/tgworker/pkg/progress"
)

// Base holds the parameters shared by every task variant.
type Base struct {
	TaskID    string `json:"taskId,omitempty"`
	AccountID string `json:"accountId" validate:"required,pathsafe"`
	EntityID  string `json:"entityId" validate:"required,pathsafe"`

	RunConfiguration RunConfiguration `json:"runConfiguration"`

	ConfigFilesStore StoreConfig   `json:"configFilesStore"`
	VarFileStores    []StoreConfig `json:"varFileStores,omitempty" validate:"dive"`
	BackendFileStore *StoreConfig  `json:"backendFileStore,omitempty"`

	Workspace     string               `json:"workspace,omitempty" validate:"omitempty,pathsafe"`
	Targets       []string             `json:"targets,omitempty"`
	EnvVars       map[string]string    `json:"envVars,omitempty"`
	SecretEnvVars map[string]SecretRef `json:"secretEnvVars,omitempty"`
	TimeoutMillis int64                `json:"timeoutMillis,omitempty" validate:"gte=0"`

	// CommandFlags maps a verb (init, plan, apply, ...) to extra CLI flags.
	CommandFlags map[string]string `json:"commandFlags,omitempty"`

	StateFileID       string               `json:"stateFileId,omitempty"`
	EncryptedPlan     *EncryptedRecord     `json:"encryptedPlan,omitempty"`
	PlanSecretManager *SecretManagerConfig `json:"planSecretManager,omitempty"`

	// CommandUnitsProgress is shared with the caller so a resumed task does not
	// reopen units that already finished. Nil starts a fresh map.
	CommandUnitsProgress *progress.Map `json:"commandUnitsProgress,omitempty"`
}

// Timeout returns the per-verb timeout, zero meaning the worker default.
func (b *Base) Timeout() time.Duration {
	return time.Duration(b.TimeoutMillis) * time.Millisecond
}

// IsModule reports whether the task targets a single module.
func (b *Base) IsModule() bool {
	return b.RunConfiguration.RunType == RunModule
}

// PlanParameters computes a plan and stores it encrypted.
type PlanParameters struct {
	Base
	CommandType             CommandType `json:"commandType" validate:"required,oneof=APPLY DESTROY"`
	ExportJSONPlan          bool        `json:"exportJsonPlan,omitempty"`
	ExportHumanReadablePlan bool        `json:"exportHumanReadablePlan,omitempty"`
}

// ApplyParameters applies an approved plan or computes and applies a fresh one.
type ApplyParameters struct {
	Base
}

// DestroyParameters destroys the module or the module tree.
type DestroyParameters struct {
	Base
}

// Parameters is the closed set of task variants.
type Parameters interface {
	Kind() Kind
	Common() *Base
	sealed()
}

func (p *PlanParameters) Kind() Kind    { return KindPlan }
func (p *ApplyParameters) Kind() Kind   { return KindApply }
func (p *DestroyParameters) Kind() Kind { return KindDestroy }

func (p *PlanParameters) Common() *Base    { return &p.Base }
func (p *ApplyParameters) Common() *Base   { return &p.Base }
func (p *DestroyParameters) Common() *Base { return &p.Base }

func (p *PlanParameters) sealed()    {}
func (p *ApplyParameters) sealed()   {}
func (p *DestroyParameters) sealed() {}

// envelope is the serialized form: a kind tag next to the variant fields.
type envelope struct {
	Kind Kind `json:"kind"`
}

// Decode parses a tagged JSON task document into its variant.
func Decode(data []byte) (Parameters, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to read task kind: %w", err)
	}

	var params Parameters
	switch env.Kind {
	case KindPlan:
		params = &PlanParameters{}
	case KindApply:
		params = &ApplyParameters{}
	case KindDestroy:
		params = &DestroyParameters{}
	case "":
		return nil, fmt.Errorf("task kind is required")
	default:
		return nil, fmt.Errorf("unknown task kind %q", env.Kind)
	}

	if err := json.Unmarshal(data, params); err != nil {
		return nil, fmt.Errorf("failed to decode %s task: %w", env.Kind, err)
	}
	return params, nil
}

// Encode serializes a variant together with its kind tag.
func Encode(p Parameters) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(p.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// clone returns a deep copy of the variant so decryption never mutates caller input.
func clone(p Parameters) (Parameters, error) {
	data, err := Encode(p)
	if err != nil {
		return nil, err
	}
	out, err := Decode(data)
	if err != nil {
		return nil, err
	}
	// The progress map is shared by reference, not copied.
	out.Common().CommandUnitsProgress = p.Common().CommandUnitsProgress
	return out, nil
}
