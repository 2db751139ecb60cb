// Package objectstore implements ports.ObjectStore on S3-compatible
// storage via the MinIO client.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
)

// MinioStore stores matter blobs in one bucket; the matter prefix on
// every path keeps objects partitioned per matter.
type MinioStore struct {
	client       *minio.Client
	bucket       string
	signedURLTTL time.Duration
	logger       *zap.Logger
}

// NewMinioStore connects to the configured endpoint and ensures the
// bucket exists.
func NewMinioStore(ctx context.Context, cfg *config.ObjectStoreConfig, logger *zap.Logger) (*MinioStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("object store config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.NewExternalError("object_store", "failed to create client").WithCause(err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.NewExternalError("object_store", "failed to check bucket").WithCause(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.NewExternalError("object_store", "failed to create bucket").WithCause(err)
		}
	}

	logger.Info("object store initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket))

	return &MinioStore{
		client:       client,
		bucket:       cfg.Bucket,
		signedURLTTL: cfg.SignedURLTTL,
		logger:       logger,
	}, nil
}

// Put stores data under path and returns the path with a presigned
// download URL.
func (s *MinioStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", errors.NewExternalError("object_store", "failed to store object").WithCause(err)
	}

	signed, err := s.client.PresignedGetObject(ctx, s.bucket, path, s.signedURLTTL, nil)
	if err != nil {
		return "", "", errors.NewExternalError("object_store", "failed to sign url").WithCause(err)
	}

	return path, signed.String(), nil
}

// Get reads the whole object at path
func (s *MinioStore) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.NewExternalError("object_store", "failed to get object").WithCause(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, errors.NewItemNotFound("object")
		}
		return nil, errors.NewExternalError("object_store", "failed to read object").WithCause(err)
	}
	return data, nil
}

// Delete removes the object at path. Absent objects are not an error.
func (s *MinioStore) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return errors.NewExternalError("object_store", "failed to delete object").WithCause(err)
	}
	return nil
}
