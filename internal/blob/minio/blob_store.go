// Package minio implements the blob store contract on MinIO/S3.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// BlobStore implements jobs.BlobStore using a MinIO client.
type BlobStore struct {
	client *minio.Client
	logger *zap.Logger
}

// New connects to MinIO and ensures the pipeline buckets exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := &BlobStore{client: client, logger: logger}
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) ensureBuckets(ctx context.Context) error {
	for _, bucket := range []string{jobs.BucketUploads, jobs.BucketPages, jobs.BucketResults, jobs.BucketCrawled} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		s.logger.Info("created bucket", zap.String("bucket", bucket))
	}
	return nil
}

// Put uploads an object and returns its etag.
func (s *BlobStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", jobs.Transient(fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return info.ETag, nil
}

// Get downloads a whole object.
func (s *BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, jobs.Transient(fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, jobs.NotFoundErr("object", bucket+"/"+key)
		}
		return nil, jobs.Transient(fmt.Sprintf("read %s/%s", bucket, key), err)
	}
	return data, nil
}

// PresignedGet returns a time-limited download URL.
func (s *BlobStore) PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", jobs.Transient(fmt.Sprintf("presign %s/%s", bucket, key), err)
	}
	return u.String(), nil
}

// Delete removes one object.
func (s *BlobStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return jobs.Transient(fmt.Sprintf("delete %s/%s", bucket, key), err)
	}
	return nil
}

// DeletePrefix removes every object under the prefix.
func (s *BlobStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return jobs.Transient(fmt.Sprintf("list %s/%s", bucket, prefix), obj.Err)
		}
		if err := s.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return jobs.Transient(fmt.Sprintf("delete %s/%s", bucket, obj.Key), err)
		}
	}
	return nil
}

// List returns the keys under the prefix.
func (s *BlobStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return nil, jobs.Transient(fmt.Sprintf("list %s/%s", bucket, prefix), obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Stat returns the object size.
func (s *BlobStore) Stat(ctx context.Context, bucket, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, jobs.NotFoundErr("object", bucket+"/"+key)
		}
		return 0, jobs.Transient(fmt.Sprintf("stat %s/%s", bucket, key), err)
	}
	return info.Size, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
