// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configura acesso a object storage. Campos vazios caem na chain
// default do SDK; Endpoint permite storages S3-compatible (MinIO, etc.).
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Location é um destino ou origem s3://bucket/key.
type S3Location struct {
	Bucket string
	Key    string
}

// IsS3URL reconhece URLs s3://.
func IsS3URL(raw string) bool {
	return strings.HasPrefix(raw, "s3://")
}

// ParseS3URL valida e decompõe uma URL s3://bucket/key.
func ParseS3URL(raw string) (S3Location, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" {
		return S3Location{}, fmt.Errorf("invalid s3 url %q", raw)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return S3Location{}, fmt.Errorf("s3 url %q must be s3://bucket/key", raw)
	}
	return S3Location{Bucket: u.Host, Key: key}, nil
}

// S3Store move artefatos de backup de/para object storage. Credenciais vêm
// da chain default do SDK (env, profile, instance role).
type S3Store struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3Store cria um S3Store.
func NewS3Store(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// Endpoints custom normalmente não suportam virtual-hosted buckets
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, logger: logger}, nil
}

// Upload consome source até EOF e grava em loc via multipart upload. O
// uploader do SDK faz o chunking; o stream nunca é materializado inteiro.
func (s *S3Store) Upload(ctx context.Context, loc S3Location, source io.Reader) error {
	uploader := manager.NewUploader(s.client)

	s.logger.Info("uploading backup to object storage", "bucket", loc.Bucket, "key", loc.Key)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   source,
	})
	if err != nil {
		return fmt.Errorf("uploading to s3://%s/%s: %w", loc.Bucket, loc.Key, err)
	}

	s.logger.Info("upload complete", "bucket", loc.Bucket, "key", loc.Key)
	return nil
}

// Download abre o objeto em loc como stream de leitura. O caller fecha.
func (s *S3Store) Download(ctx context.Context, loc S3Location) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading s3://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return out.Body, nil
}
