package repository

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinIORepository keeps manuscript text revisions as objects in one bucket.
type MinIORepository struct {
	client *minio.Client
	bucket string
	region string
	logger zerolog.Logger

	ensureMu      sync.Mutex
	bucketEnsured bool
}

func NewMinIORepository(endpoint, accessKey, secretKey, bucket, region string, useSSL bool, connectTimeout time.Duration, logger zerolog.Logger) (*MinIORepository, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	repo := &MinIORepository{
		client: client,
		bucket: bucket,
		region: region,
		logger: logger,
	}

	// Startup continues when MinIO is late; the bucket is ensured again on first use.
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := repo.ensureBucket(ctx); err != nil {
		logger.Error().Err(err).
			Str("endpoint", endpoint).
			Str("bucket", bucket).
			Msg("MinIO not ready during startup; text store will retry on demand")
	}

	logger.Info().
		Str("endpoint", endpoint).
		Str("bucket", bucket).
		Bool("ssl", useSSL).
		Msg("Connected to MinIO")

	return repo, nil
}

func (r *MinIORepository) ensureBucket(ctx context.Context) error {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()
	if r.bucketEnsured {
		return nil
	}

	backoff := 500 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("minio not ready: %w", err)
		}

		exists, err := r.client.BucketExists(ctx, r.bucket)
		if err != nil {
			r.wait(ctx, backoff)
			continue
		}

		if !exists {
			if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region}); err != nil {
				r.wait(ctx, backoff)
				continue
			}
			r.logger.Info().Str("bucket", r.bucket).Msg("Created new bucket")
		}

		r.bucketEnsured = true
		return nil
	}
}

func (r *MinIORepository) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *MinIORepository) Put(ctx context.Context, key, text string) error {
	if err := r.ensureBucket(ctx); err != nil {
		return err
	}

	info, err := r.client.PutObject(ctx, r.bucket, key, strings.NewReader(text), int64(len(text)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("failed to upload text: %w", err)
	}

	r.logger.Debug().
		Str("bucket", r.bucket).
		Str("key", key).
		Str("etag", info.ETag).
		Int("size", len(text)).
		Msg("Manuscript text uploaded to MinIO")

	return nil
}

func (r *MinIORepository) Get(ctx context.Context, key string) (string, error) {
	if err := r.ensureBucket(ctx); err != nil {
		return "", err
	}

	if _, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to stat text: %w", err)
	}

	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get text: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	return string(data), nil
}

func (r *MinIORepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.client.BucketExists(ctx, r.bucket)
	return err
}
