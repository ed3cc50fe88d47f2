package storage

import (
	"context"
	"io"
	"path"
)

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

// ObjectStore holds exported artifacts. Keys use forward slashes on every platform.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

// ArtifactPrefix is the key prefix under which an exported model is stored.
func ArtifactPrefix(modelId string) string {
	return path.Join("artifacts", modelId)
}
