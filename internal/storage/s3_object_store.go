package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"sentiment-backend/internal/core/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// Artifacts are a handful of files, one of them large, so a few parallel
	// transfers are enough to saturate the link.
	transferWorkers = 4
	// DeleteObjects accepts at most this many keys per request.
	deleteBatchSize = 1000
)

type S3ObjectStore struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

var _ ObjectStore = (*S3ObjectStore)(nil)

// NewS3ObjectStore connects to S3 or to an S3 compatible endpoint such as MinIO.
func NewS3ObjectStore(cfg S3ClientConfig) (*S3ObjectStore, error) {
	client, err := newS3Client(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize s3 client: %w", err)
	}

	return &S3ObjectStore{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
	}, nil
}

func (s *S3ObjectStore) iterObjects(ctx context.Context, bucket, prefix string) ObjectIterator {
	return func(yield func(obj Object, err error) bool) {
		pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})

		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(Object{}, err)
				return
			}
			for _, obj := range page.Contents {
				if !yield(Object{Name: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}, nil) {
					return
				}
			}
		}
	}
}

func (s *S3ObjectStore) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object
	for obj, err := range s.iterObjects(ctx, bucket, prefix) {
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// DownloadObject writes a single object to filename, creating parent directories.
func (s *S3ObjectStore) DownloadObject(ctx context.Context, bucket, key, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filename, err)
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	defer file.Close()

	if _, err := s.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3ObjectStore) CreateBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})

	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	switch {
	case err == nil:
		slog.Info("created bucket", "bucket", bucket)
		return nil
	case errors.As(err, &exists), errors.As(err, &owned):
		return nil
	default:
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
}

func (s *S3ObjectStore) PutObject(ctx context.Context, bucket, key string, data io.Reader) error {
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   data,
	}); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteObjects removes every object under prefix in batches.
func (s *S3ObjectStore) DeleteObjects(ctx context.Context, bucket, prefix string) error {
	var batch []types.ObjectIdentifier
	deleted := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("%d objects not deleted, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for obj, err := range s.iterObjects(ctx, bucket, prefix) {
		if err != nil {
			return fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		batch = append(batch, types.ObjectIdentifier{Key: aws.String(obj.Name)})
		if len(batch) == deleteBatchSize {
			if err := flush(); err != nil {
				return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, prefix, err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, prefix, err)
	}

	slog.Info("deleted objects", "bucket", bucket, "prefix", prefix, "count", deleted)
	return nil
}

// DownloadDir mirrors every object under prefix into dest, keeping the relative layout.
func (s *S3ObjectStore) DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"

	objects, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("no objects found under s3://%s/%s", bucket, prefix)
	}

	if err := prepareDest(dest, overwrite); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dest, err)
	}

	download := func(obj Object) (struct{}, error) {
		rel := strings.TrimPrefix(obj.Name, prefix)
		return struct{}{}, s.DownloadObject(ctx, bucket, obj.Name, filepath.Join(dest, filepath.FromSlash(rel)))
	}
	for _, res := range utils.RunInPool(download, objects, transferWorkers) {
		if res.Error != nil {
			return fmt.Errorf("failed to download s3://%s/%s to %s: %w", bucket, prefix, dest, res.Error)
		}
	}

	slog.Info("downloaded directory", "bucket", bucket, "prefix", prefix, "dest", dest, "files", len(objects))
	return nil
}

func (s *S3ObjectStore) UploadDir(ctx context.Context, bucket, prefix, src string) error {
	prefix = strings.TrimSuffix(prefix, "/")

	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk directory %s: %w", src, err)
	}

	upload := func(path string) (struct{}, error) {
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return struct{}{}, err
		}
		file, err := os.Open(path)
		if err != nil {
			return struct{}{}, err
		}
		defer file.Close()
		return struct{}{}, s.PutObject(ctx, bucket, prefix+"/"+filepath.ToSlash(rel), file)
	}
	for _, res := range utils.RunInPool(upload, files, transferWorkers) {
		if res.Error != nil {
			return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", src, bucket, prefix, res.Error)
		}
	}

	slog.Info("uploaded directory", "bucket", bucket, "prefix", prefix, "src", src, "files", len(files))
	return nil
}
