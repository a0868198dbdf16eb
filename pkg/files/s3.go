package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3ClientConfig selects an S3 endpoint and the credentials to use on it.
// Empty static credentials fall back to the default AWS chain.
type S3ClientConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// ObjectAPI is the subset of *s3.Client used for artifacts.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Service keeps artifacts in one S3 bucket, keyed
// <prefix>/<logical bucket>/<account>/<file id>.
type S3Service struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Service returns a Service writing to bucket under prefix.
func NewS3Service(client ObjectAPI, bucket, prefix string) *S3Service {
	return &S3Service{client: client, bucket: bucket, prefix: prefix}
}

var _ Service = (*S3Service)(nil)

func (s *S3Service) key(bucket, accountID, fileID string) string {
	return path.Join(s.prefix, bucket, accountID, fileID)
}

// Upload implements Service.
func (s *S3Service) Upload(ctx context.Context, d Descriptor, r io.Reader) (string, error) {
	// The SDK needs a seekable body to sign requests to plain-HTTP endpoints.
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", d.Name, err)
	}

	id := uuid.NewString()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(d.Bucket, d.AccountID, id)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"file-name": d.Name,
			"entity-id": d.EntityID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return id, nil
}

// Download implements Service.
func (s *S3Service) Download(ctx context.Context, bucket, accountID, fileID string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(bucket, accountID, fileID)),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from S3: %w", err)
	}
	return resp.Body, nil
}
