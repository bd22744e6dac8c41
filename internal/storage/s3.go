package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tryonlab/backend/internal/config"
)

// S3 stores objects in an S3-compatible bucket and resolves access through
// pre-signed GET URLs with a configurable expiry.
type S3 struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	urlExpiry time.Duration
	log       *slog.Logger
}

var _ Store = (*S3)(nil)

// NewS3 builds the client from static credentials. A non-empty endpoint
// targets S3-compatible providers (R2, TOS, MinIO).
func NewS3(ctx context.Context, cfg config.Storage, log *slog.Logger) (*S3, error) {
	if log == nil {
		log = slog.Default()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		urlExpiry: cfg.URLExpiry,
		log:       log,
	}, nil
}

func (r *S3) Put(ctx context.Context, data []byte, category, filename string) (string, error) {
	key := category + "/" + filename
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	r.log.Debug("object uploaded", "key", key, "size", len(data))
	return key, nil
}

func (r *S3) Get(ctx context.Context, key string) ([]byte, error) {
	key = normalizeKey(key)
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", key, err)
	}
	return data, nil
}

// Delete is idempotent; S3 DeleteObject succeeds for missing keys.
func (r *S3) Delete(ctx context.Context, key string) error {
	key = normalizeKey(key)
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Archive copies the object under archived/ and removes the original.
func (r *S3) Archive(ctx context.Context, key string) (string, error) {
	key = normalizeKey(key)
	archivedKey := "archived/" + key

	_, err := r.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(r.bucket),
		Key:        aws.String(archivedKey),
		CopySource: aws.String(r.bucket + "/" + key),
	})
	if err != nil {
		return "", fmt.Errorf("copy %s to archive: %w", key, err)
	}
	if _, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("delete %s after archive copy: %w", key, err)
	}
	r.log.Info("object archived", "key", key, "archived_key", archivedKey)
	return archivedKey, nil
}

func (r *S3) Exists(ctx context.Context, key string) (bool, error) {
	key = normalizeKey(key)
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

// AccessURL returns a pre-signed GET URL. Callers must re-resolve rather than
// cache it past the expiry.
func (r *S3) AccessURL(ctx context.Context, key string) (string, error) {
	key = normalizeKey(key)
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (r *S3) Type() string { return "s3" }
