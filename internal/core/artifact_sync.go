package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/core/utils"
	"sentiment-backend/internal/storage"
)

// ArtifactSync copies exported artifacts from the object store into a local cache so
// they can be loaded by the service.
type ArtifactSync struct {
	store    storage.ObjectStore
	cacheDir string
	locks    *utils.KeyLock
}

func NewArtifactSync(store storage.ObjectStore, cacheDir string) *ArtifactSync {
	return &ArtifactSync{store: store, cacheDir: cacheDir, locks: utils.NewKeyLock(64)}
}

func isArtifactDir(dir string) bool {
	for _, file := range []string{types.ModelFile, types.ConfigFile} {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			return false
		}
	}
	return true
}

// Fetch returns a local directory holding the artifact stored under bucket/prefix. An
// artifact already in the cache is not downloaded again.
func (a *ArtifactSync) Fetch(ctx context.Context, bucket, prefix string) (string, error) {
	key := bucket + "/" + prefix
	if err := a.locks.Lock(key); err != nil {
		return "", fmt.Errorf("error fetching artifact %s: %w", key, err)
	}
	defer a.locks.Unlock(key)

	localDir := filepath.Join(a.cacheDir, bucket, filepath.FromSlash(path.Clean(prefix)))
	if isArtifactDir(localDir) {
		slog.Info("using cached artifact", "bucket", bucket, "prefix", prefix, "dir", localDir)
		return localDir, nil
	}

	if err := os.MkdirAll(filepath.Dir(localDir), os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating artifact cache: %w", err)
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(localDir), "."+filepath.Base(localDir)+".download-*")
	if err != nil {
		return "", fmt.Errorf("error creating download dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	staging := filepath.Join(tmpDir, "artifact")
	if err := a.store.DownloadDir(ctx, bucket, prefix, staging, true); err != nil {
		return "", fmt.Errorf("error downloading artifact %s: %w", key, err)
	}
	if !isArtifactDir(staging) {
		return "", fmt.Errorf("artifact %s is missing %s or %s", key, types.ModelFile, types.ConfigFile)
	}

	if err := os.RemoveAll(localDir); err != nil {
		return "", fmt.Errorf("error clearing stale cache entry %s: %w", localDir, err)
	}
	if err := os.Rename(staging, localDir); err != nil {
		return "", fmt.Errorf("error moving artifact into cache: %w", err)
	}

	slog.Info("downloaded artifact", "bucket", bucket, "prefix", prefix, "dir", localDir)
	return localDir, nil
}
