// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package blob is the boundary to the blob store holding packaged module
// archives and oversized call-record content.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store abstracts the blob operations the daemon needs.
type Store interface {
	// Download fetches the object at key.
	Download(ctx context.Context, key string) ([]byte, error)
	// Upload writes the object at key with the given content type.
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// ContentKey is the deterministic location for externalised call content.
func ContentKey(callUUID string) string {
	return fmt.Sprintf("mcp_content/%s.json", callUUID)
}

// ArchiveKey is the location of a packaged module archive.
func ArchiveKey(packageName string) string {
	return packageName + ".zip"
}

// Disabled is the Store for deployments without a configured bucket.
// Archive downloads and content offload fail with a clear error instead of
// an AWS SDK failure.
type Disabled struct{}

// Download always fails.
func (Disabled) Download(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("blob store is not configured, cannot download %s", key)
}

// Upload always fails.
func (Disabled) Upload(_ context.Context, key string, _ []byte, _ string) error {
	return fmt.Errorf("blob store is not configured, cannot upload %s", key)
}

// S3API is the subset of the S3 client used by the store, enabling mock
// injection for testing.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is the S3-backed blob store.
type S3Store struct {
	client S3API
	bucket string
}

// Options configures the AWS session behind the store.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// NewS3Store creates a blob store over the configured bucket. Explicit
// credentials take precedence; otherwise the SDK default chain applies.
func NewS3Store(ctx context.Context, opts Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("blob store requires a bucket name")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Store{client: s3.NewFromConfig(cfg), bucket: opts.Bucket}, nil
}

// NewS3StoreWithClient creates a store over an existing client. Used by tests.
func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Download fetches the object at key.
func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return body, nil
}

// Upload writes the object at key.
func (s *S3Store) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
