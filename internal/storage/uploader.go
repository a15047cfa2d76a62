// Package storage provides the object-store client used to persist converted
// artifacts.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores artifact bytes under caller-chosen keys.
type Uploader interface {
	Enabled() bool
	Upload(ctx context.Context, key, contentType string, body io.Reader) error
}

// Config describes the S3-compatible object storage backend.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

type noopUploader struct{}

func (noopUploader) Enabled() bool { return false }

func (noopUploader) Upload(context.Context, string, string, io.Reader) error {
	return nil
}

// NewUploader builds an S3-backed uploader, or a disabled no-op client when
// the bucket is not configured.
func NewUploader(ctx context.Context, cfg Config) (Uploader, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return noopUploader{}, nil
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Uploader{
		bucket:   bucket,
		uploader: manager.NewUploader(client),
	}, nil
}

type s3Uploader struct {
	bucket   string
	uploader *manager.Uploader
}

func (u *s3Uploader) Enabled() bool { return true }

func (u *s3Uploader) Upload(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("upload object %s: %w", key, err)
	}
	return nil
}
