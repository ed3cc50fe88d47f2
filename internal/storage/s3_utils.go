package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3ClientConfig) loadAWSConfig(ctx context.Context, creds aws.CredentialsProvider) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// newS3Client prefers static keys, then the default credential chain, and finally
// anonymous access so that public model buckets can still be read.
func newS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	var creds aws.CredentialsProvider
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	awsCfg, err := cfg.loadAWSConfig(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		slog.Info("no aws credentials found, using anonymous access", "endpoint", cfg.Endpoint)
		awsCfg, err = cfg.loadAWSConfig(ctx, aws.AnonymousCredentials{})
		if err != nil {
			return nil, fmt.Errorf("failed to load anonymous aws config: %w", err)
		}
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO only serves path style requests.
		o.UsePathStyle = true
	}), nil
}

// CheckAccess verifies that the bucket is reachable with the configured credentials.
// A non-empty prefix must also contain at least one object.
func (s *S3ObjectStore) CheckAccess(ctx context.Context, bucket, prefix string) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("cannot access s3://%s: %w", bucket, err)
	}
	if prefix == "" {
		return nil
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("cannot list s3://%s/%s: %w", bucket, prefix, err)
	}
	if len(out.Contents) == 0 {
		return fmt.Errorf("no artifact found at s3://%s/%s", bucket, prefix)
	}
	return nil
}
