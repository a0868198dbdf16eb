package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/tgworker/pkg/progress"
)

// ErrorKind classifies a task failure.
type ErrorKind string

const (
	// ErrorKindFetchFiles means a remote store fetch failed.
	ErrorKindFetchFiles ErrorKind = "fetch_files"

	// ErrorKindCLIRuntime means a terragrunt verb exited non-zero or could not start.
	ErrorKindCLIRuntime ErrorKind = "cli_runtime"

	// ErrorKindCLITimeout means a terragrunt verb exceeded its timeout.
	ErrorKindCLITimeout ErrorKind = "cli_timeout"

	// ErrorKindFileCreation means local artifact staging failed.
	ErrorKindFileCreation ErrorKind = "file_creation"

	// ErrorKindSecretLifecycle means plan encryption or decryption failed.
	ErrorKindSecretLifecycle ErrorKind = "secret_lifecycle"

	// ErrorKindInvalidParameters means the task input was rejected before any work.
	ErrorKindInvalidParameters ErrorKind = "invalid_parameters"

	// ErrorKindArtifactUpload means the file service rejected an upload or download.
	ErrorKindArtifactUpload ErrorKind = "artifact_upload"

	// ErrorKindPolicyDenied means a plan policy reported an error-severity violation.
	ErrorKindPolicyDenied ErrorKind = "policy_denied"
)

// Error is a classified task error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Op is the operation that failed, e.g. a verb name or "fetch".
	Op string `json:"op,omitempty"`

	// Dir and Artifact describe fetch failures.
	Dir      string `json:"dir,omitempty"`
	Artifact string `json:"artifact,omitempty"`

	// Command and Output describe CLI failures. Output is the captured tail.
	Command string `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Artifact != "" {
		fmt.Fprintf(&b, " (artifact=%s, dir=%s)", e.Artifact, e.Dir)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " (command=%s)", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewFetchFilesError reports a failed fetch of artifact into dir.
func NewFetchFilesError(artifact, dir string, err error) *Error {
	return &Error{
		Kind:     ErrorKindFetchFiles,
		Message:  fmt.Sprintf("failed to fetch %s", artifact),
		Op:       "fetch",
		Dir:      dir,
		Artifact: artifact,
		Err:      err,
	}
}

// NewCLIRuntimeError reports a verb that exited non-zero.
func NewCLIRuntimeError(verb, command, output string, exitCode int) *Error {
	return &Error{
		Kind:    ErrorKindCLIRuntime,
		Message: fmt.Sprintf("terragrunt %s failed with exit code %d", verb, exitCode),
		Op:      verb,
		Command: command,
		Output:  output,
	}
}

// NewCLILaunchError reports a verb whose process could not be started.
func NewCLILaunchError(verb, command string, err error) *Error {
	return &Error{
		Kind: ErrorKindCLIRuntime,
		Message: fmt.Sprintf("failed to run terragrunt %s, check that the terragrunt binary is installed "+
			"and the worker has permission to execute it and write to the working directory", verb),
		Op:      verb,
		Command: command,
		Err:     err,
	}
}

// NewCLITimeoutError reports a verb that exceeded its timeout.
func NewCLITimeoutError(verb, command, output string, err error) *Error {
	return &Error{
		Kind:    ErrorKindCLITimeout,
		Message: fmt.Sprintf("terragrunt %s timed out", verb),
		Op:      verb,
		Command: command,
		Output:  output,
		Err:     err,
	}
}

// NewFileCreationError reports a failure to stage a local file.
func NewFileCreationError(path string, err error) *Error {
	return &Error{
		Kind:    ErrorKindFileCreation,
		Message: fmt.Sprintf("failed to create %s, check filesystem permissions of the worker", path),
		Op:      "stage",
		Err:     err,
	}
}

// NewSecretLifecycleError reports a failed plan encryption or decryption.
func NewSecretLifecycleError(op string, err error) *Error {
	return &Error{
		Kind:    ErrorKindSecretLifecycle,
		Message: fmt.Sprintf("failed to %s plan", op),
		Op:      op,
		Err:     err,
	}
}

// NewInvalidParametersError reports rejected task input.
func NewInvalidParametersError(message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindInvalidParameters,
		Message: message,
		Op:      "validate",
		Err:     err,
	}
}

// NewArtifactUploadError reports a file service failure for bucket.
func NewArtifactUploadError(op, bucket string, err error) *Error {
	return &Error{
		Kind:    ErrorKindArtifactUpload,
		Message: fmt.Sprintf("failed to %s %s", op, bucket),
		Op:      op,
		Err:     err,
	}
}

// NewPolicyDeniedError reports blocking policy violations.
func NewPolicyDeniedError(violations []string) *Error {
	return &Error{
		Kind:    ErrorKindPolicyDenied,
		Message: fmt.Sprintf("plan rejected by policy: %s", strings.Join(violations, "; ")),
		Op:      "policy",
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// IsFetchFiles reports whether err is a fetch-files error.
func IsFetchFiles(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ErrorKindFetchFiles
}

// IsCLIRuntime reports whether err is a CLI runtime error.
func IsCLIRuntime(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ErrorKindCLIRuntime
}

// IsCLITimeout reports whether err is a CLI timeout.
func IsCLITimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ErrorKindCLITimeout
}

// IsSecretLifecycle reports whether err is a secret lifecycle error.
func IsSecretLifecycle(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ErrorKindSecretLifecycle
}

// Failure is the terminal error of a task. It carries the progress of every
// unit so the caller can see which phases finished.
type Failure struct {
	Err      error
	Progress []progress.UnitProgress
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return f.Err.Error()
}

// Unwrap returns the sanitized cause.
func (f *Failure) Unwrap() error {
	return f.Err
}
