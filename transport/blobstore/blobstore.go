// Package blobstore offloads mutation and reconciliation payloads too
// large to carry inline on the wire into an S3-compatible object store,
// replacing them in-line with a reference the other side resolves back
// into bytes.
package blobstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/datasync/pkg/log"
	"github.com/autopeer-io/datasync/pkg/options"
)

// Store is the offload contract the synccore wire adapters consume when a
// payload exceeds the configured inline threshold.
type Store interface {
	// Put uploads data under key. It does not create the bucket; call
	// EnsureBucket first.
	Put(ctx context.Context, key string, data []byte) error
	// Get downloads the object previously stored at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// EnsureBucket creates the configured bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
}

type minioStore struct {
	client     *minio.Client
	bucketName string
	logger     log.Logger
}

// New constructs a Store backed by a minio-go client. Whenever opts.UseSSL
// is true, the client's transport skips TLS certificate verification,
// whatever the endpoint.
func New(opts *options.BlobOptions) (Store, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	}
	if opts.UseSSL {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &minioStore{
		client:     client,
		bucketName: opts.BucketName,
		logger:     log.Std().WithName("blobstore"),
	}, nil
}

func (s *minioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		s.logger.Info("blob bucket does not exist, creating", "bucket", s.bucketName)
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s *minioStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to put object %q: %w", key, err)
	}
	return nil
}

func (s *minioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", key, err)
	}
	return data, nil
}
