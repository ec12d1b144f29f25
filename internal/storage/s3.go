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
	"github.com/raphaelgruber/batchgen/internal/config"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/models"
)

// ErrNotFound indicates the bucket has no object under the key.
var ErrNotFound = errors.New("object not found")

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string // empty uses the AWS default resolver
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool // required by MinIO
}

// ConfigFrom extracts the storage settings from the application config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Endpoint:  cfg.StorageEndpoint,
		Region:    cfg.StorageRegion,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		PathStyle: cfg.StoragePathStyle,
	}
}

// S3Store is an object store backed by an S3-compatible service.
type S3Store struct {
	client  *s3.Client
	region  string
	metrics *metrics.Collector
}

// NewS3Store creates a store using static credentials when provided, and the
// default AWS credential chain otherwise.
func NewS3Store(ctx context.Context, cfg Config, collector *metrics.Collector) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{client: client, region: cfg.Region, metrics: collector}, nil
}

func (s *S3Store) record(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.RecordFailure(op, time.Since(start))
		return
	}
	s.metrics.RecordTiming(op, time.Since(start))
}

// Put uploads data under bucket/key and returns its location "<bucket>/<key>".
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	s.record(metrics.OpStoragePut, start, err)
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return ObjectURL(bucket, key), nil
}

// Get downloads bucket/key. Returns ErrNotFound if the key does not exist.
func (s *S3Store) Get(ctx context.Context, bucket, key string) (*models.ImageData, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.record(metrics.OpStorageGet, start, err)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	s.record(metrics.OpStorageGet, start, err)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}

	return &models.ImageData{Data: data, MIMEType: aws.ToString(out.ContentType)}, nil
}

// Delete removes bucket/key. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// EnsureBuckets creates any of the given buckets that do not exist yet.
func (s *S3Store) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		if err == nil {
			continue
		}
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("head bucket %s: %w", bucket, err)
		}

		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if s.region != "" && s.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.region),
			}
		}
		if _, err := s.client.CreateBucket(ctx, input); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			if errors.As(err, &owned) {
				continue
			}
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		slog.Info("created bucket", "bucket", bucket)
	}
	return nil
}
