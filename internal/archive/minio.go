package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cityflow/internal/codec"
	"cityflow/internal/config"
	"cityflow/internal/model"
)

type minioArchive struct {
	client *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	a := &minioArchive{client: client, bucket: cfg.Bucket}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %q: %w", cfg.Bucket, err)
	}
	return a, nil
}

func (a *minioArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
}

func (a *minioArchive) PutEvent(ctx context.Context, ev model.EnrichedEvent) error {
	return a.put(ctx, ObjectKey(ev), ev)
}

func (a *minioArchive) PutDeadLetter(ctx context.Context, ev model.EnrichedEvent) error {
	return a.put(ctx, DeadLetterKey(ev), ev)
}

func (a *minioArchive) put(ctx context.Context, key string, ev model.EnrichedEvent) error {
	data := codec.EncodeEnriched(ev)
	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (a *minioArchive) Close() error {
	return nil
}
