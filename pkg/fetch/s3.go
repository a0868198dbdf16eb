package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openfroyo/tgworker/pkg/files"
	"github.com/openfroyo/tgworker/pkg/progress"
	"github.com/openfroyo/tgworker/pkg/task"
)

// S3API is the subset of *s3.Client the S3 store reads with.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads objects under the requested prefixes, keeping their keys
// as paths below the destination directory.
type S3Fetcher struct {
	// NewClient builds a client for one store. Tests swap it for a fake.
	NewClient func(ctx context.Context, store task.StoreConfig) (S3API, error)
}

// NewS3Fetcher returns a fetcher using the AWS SDK default chain, or the
// store's static credentials when given.
func NewS3Fetcher() *S3Fetcher {
	return &S3Fetcher{NewClient: defaultS3Client}
}

func defaultS3Client(ctx context.Context, store task.StoreConfig) (S3API, error) {
	cfg := files.S3ClientConfig{
		Region:       store.Region,
		Endpoint:     store.Endpoint,
		UsePathStyle: store.Endpoint != "",
	}
	if c := store.Credentials; c != nil {
		cfg.AccessKeyID = c.AccessKeyID
		cfg.SecretAccessKey = c.SecretAccessKey
		cfg.SessionToken = c.SessionToken
	}
	return files.NewS3Client(ctx, cfg)
}

// Fetch implements Fetcher. With no Paths the whole bucket is pulled.
func (f *S3Fetcher) Fetch(ctx context.Context, req Request, log progress.Log) (*Result, error) {
	store := req.Store
	log.Infof("Fetching files for %s from S3... Region: [%s], Bucket: [%s]", store.Identifier, store.Region, store.Bucket)

	client, err := f.NewClient(ctx, store)
	if err != nil {
		return nil, err
	}

	prefixes := store.Paths
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, prefix := range prefixes {
		if err := f.pullPrefix(ctx, client, store.Bucket, strings.TrimPrefix(prefix, "/"), req.DestDir); err != nil {
			return nil, err
		}
	}

	resolved, err := resolvePaths(req.DestDir, store.Paths)
	if err != nil {
		return nil, err
	}
	log.Infof("Files are saved in directory: [%s]", req.DestDir)
	return &Result{
		RootDir:         req.DestDir,
		Files:           resolved,
		SourceReference: fmt.Sprintf("s3://%s/%s", store.Bucket, strings.Join(store.Paths, ",")),
	}, nil
}

func (f *S3Fetcher) pullPrefix(ctx context.Context, client S3API, bucket, prefix, destDir string) error {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}

	found := 0
	pager := s3.NewListObjectsV2Paginator(client, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if err := f.download(ctx, client, bucket, key, destDir); err != nil {
				return err
			}
			found++
		}
	}
	if found == 0 {
		return fmt.Errorf("no objects found under s3://%s/%s", bucket, prefix)
	}
	return nil
}

func (f *S3Fetcher) download(ctx context.Context, client S3API, bucket, key, destDir string) error {
	target, err := localPath(destDir, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, out.Body); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return file.Close()
}
