package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

// s3API is the slice of the S3 client the uploader needs.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader offloads evidence archives to a bucket.
type S3Uploader struct {
	client s3API
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Uploader resolves credentials (static keys or the SDK default chain)
// and builds a client, honoring custom endpoints for S3-compatible stores.
func NewS3Uploader(ctx context.Context, cfg core.S3Config, logger zerolog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("evidence.s3.bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info().Str("bucket", cfg.Bucket).Str("region", region).Msg("evidence offload to S3 enabled")
	return newS3Uploader(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Uploader(client s3API, bucket, prefix string, logger zerolog.Logger) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "evidence_s3").Logger(),
	}
}

// Upload puts the file under prefix/name and returns its s3:// location.
func (u *S3Uploader) Upload(ctx context.Context, name, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", Terminal(fmt.Errorf("open archive: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", Terminal(fmt.Errorf("stat archive: %w", err))
	}

	key := path.Join(u.prefix, name)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(u.bucket),
		Key:                  aws.String(key),
		Body:                 f,
		ContentLength:        aws.Int64(info.Size()),
		ContentType:          aws.String("application/gzip"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	u.logger.Info().Str("location", location).Int64("bytes", info.Size()).Msg("evidence uploaded")
	return location, nil
}
