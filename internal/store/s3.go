package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pdfbridge/internal/config"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores PDFs in an S3 compatible bucket, Cloudflare R2 by default.
type S3 struct {
	client putObjectAPI
	bucket string
	prefix string
}

// Endpoint returns the configured endpoint or the R2 endpoint of the account.
func Endpoint(cfg config.S3Config) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
}

// NewS3 builds a client with static credentials from cfg.
func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint(cfg))
		o.UsePathStyle = cfg.Endpoint != ""
	})
	return newS3(client, cfg), nil
}

func newS3(client putObjectAPI, cfg config.S3Config) *S3 {
	return &S3{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
}

func (s *S3) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Save uploads pdf and returns its s3:// location.
func (s *S3) Save(ctx context.Context, name string, pdf []byte) (string, error) {
	name = strings.TrimLeft(name, "/")
	if name == "" || strings.Contains(name, "..") {
		return "", ErrInvalidName
	}
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(pdf),
		ContentType:   aws.String("application/pdf"),
		ContentLength: aws.Int64(int64(len(pdf))),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
