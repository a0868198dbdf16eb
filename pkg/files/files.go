// Package files is the artifact service the worker uploads state and plan
// exports to, and restores prior state from.
package files

import (
	"context"
	"errors"
	"io"
)

// Logical buckets artifacts are filed under.
const (
	BucketState             = "TERRAFORM_STATE"
	BucketPlanJSON          = "TERRAFORM_PLAN_JSON"
	BucketHumanReadablePlan = "TERRAFORM_HUMAN_READABLE_PLAN"
)

// ErrNotFound is returned by Download when no file matches.
var ErrNotFound = errors.New("file not found")

// Descriptor names an artifact being uploaded.
type Descriptor struct {
	Bucket    string
	AccountID string
	EntityID  string
	// Name is the original file name, e.g. terraform.tfstate.
	Name string
}

// Service stores artifacts and hands back their IDs.
type Service interface {
	// Upload reads r to the end and returns the new file ID.
	Upload(ctx context.Context, d Descriptor, r io.Reader) (string, error)
	// Download opens a file previously uploaded for accountID.
	Download(ctx context.Context, bucket, accountID, fileID string) (io.ReadCloser, error)
}
