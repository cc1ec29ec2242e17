package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Provider struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// S3ProviderConfig mirrors the S3_* / AWS_* environment settings. An empty
// endpoint uses the default AWS resolution.
type S3ProviderConfig struct {
	S3EndpointURL     string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
}

// NewS3Provider connects to AWS S3, or to an S3 compatible server such as
// MinIO when an endpoint is set.
func NewS3Provider(cfg *S3ProviderConfig) (*S3Provider, error) {
	opts := []func(*aws_config.LoadOptions) error{
		aws_config.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, aws_config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
	}, nil
}

// CreateBucket makes sure bucket exists. Buckets that already exist, owned by
// anyone, are left alone.
func (s *S3Provider) CreateBucket(ctx context.Context, bucket string) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	var existErr *types.BucketAlreadyExists
	var ownedErr *types.BucketAlreadyOwnedByYou
	switch {
	case err == nil:
		slog.Info("created artifact bucket", "bucket", bucket)
		return nil
	case errors.As(err, &existErr), errors.As(err, &ownedErr):
		return nil
	default:
		return fmt.Errorf("error creating bucket %s: %w", bucket, err)
	}
}

// GetObject reads a small object, such as a class index file, into memory.
func (s *S3Provider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("error reading s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// DownloadObject fetches key into filename with a concurrent ranged download.
// The object is written to a temporary file first, so filename is only
// replaced by a complete copy.
func (s *S3Provider) DownloadObject(ctx context.Context, bucket, key, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".*.part")
	if err != nil {
		return fmt.Errorf("error creating download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := s.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("error downloading s3://%s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return err
	}

	slog.Info("downloaded object", "bucket", bucket, "key", key, "bytes", n, "path", filename)
	return nil
}

func (s *S3Provider) PutObject(ctx context.Context, bucket, key string, data io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return fmt.Errorf("error uploading s3://%s/%s: %w", bucket, key, err)
	}
	slog.Info("uploaded object", "bucket", bucket, "key", key)

	return nil
}

// ListObjects returns every object under prefix, following continuation pages.
func (s *S3Provider) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{Name: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}

	return objects, nil
}
