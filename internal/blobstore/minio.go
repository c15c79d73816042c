package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"call-insights-go/internal/types"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects and creates the bucket if it is missing.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(ref, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(ref, err)
	}
	return data, nil
}

func (m *Minio) Put(ctx context.Context, ref string, data []byte, contentType string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, ref, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", types.ErrUnavailable, ref, err)
	}
	return nil
}

func (m *Minio) Delete(ctx context.Context, ref string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return classify(ref, err)
	}
	return nil
}

func classify(ref string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, ref)
	}
	return fmt.Errorf("%w: blob %s: %v", types.ErrUnavailable, ref, err)
}
