package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"sentiment-backend/internal/database"
	"sentiment-backend/internal/messaging"
	"sentiment-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Destinations lists where an exported artifact is announced. Every field is optional.
type Destinations struct {
	DB        *gorm.DB
	Store     storage.ObjectStore
	Bucket    string
	Publisher messaging.Publisher
}

type Published struct {
	ModelId       uuid.UUID
	StorageBucket string
	StoragePrefix string
}

// Publish uploads the artifact, registers it and notifies running servers, in that
// order, so that listeners never see an event for an artifact they cannot fetch. When
// a later step fails the upload and the registry row are removed again.
func Publish(ctx context.Context, artifact Artifact, dest Destinations) (published Published, err error) {
	published = Published{ModelId: uuid.New()}

	var uploaded, registered bool
	defer func() {
		if err != nil {
			rollback(ctx, dest, published, uploaded, registered)
		}
	}()

	if dest.Store != nil {
		if dest.Bucket == "" {
			return published, fmt.Errorf("a bucket is required to upload artifacts")
		}
		if err := dest.Store.CreateBucket(ctx, dest.Bucket); err != nil {
			return published, err
		}

		prefix := storage.ArtifactPrefix(published.ModelId.String())
		published.StorageBucket, published.StoragePrefix = dest.Bucket, prefix
		// A partial upload is cleaned up as well.
		uploaded = true
		if err := dest.Store.UploadDir(ctx, dest.Bucket, prefix, artifact.Dir); err != nil {
			return published, fmt.Errorf("error uploading artifact: %w", err)
		}
	}

	absDir, err := filepath.Abs(artifact.Dir)
	if err != nil {
		absDir = artifact.Dir
	}

	if dest.DB != nil {
		if err := registerArtifact(ctx, dest.DB, artifact, absDir, published); err != nil {
			return published, err
		}
		registered = true
	}

	if dest.Publisher != nil {
		err := dest.Publisher.PublishModelExported(ctx, messaging.ModelExportedPayload{
			ModelId:       published.ModelId,
			ModelDir:      absDir,
			StorageBucket: published.StorageBucket,
			StoragePrefix: published.StoragePrefix,
			Labels:        artifact.Labels,
			ExportedAt:    artifact.ExportedAt,
		})
		if err != nil {
			return published, fmt.Errorf("error publishing model exported event: %w", err)
		}
	}

	slog.Info("published artifact", "model_id", published.ModelId, "bucket", published.StorageBucket, "prefix", published.StoragePrefix)
	return published, nil
}

func rollback(ctx context.Context, dest Destinations, published Published, uploaded, registered bool) {
	// Cleanup still runs when ctx was what failed the publish.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if registered {
		if err := dest.DB.WithContext(ctx).Delete(&database.Model{}, "id = ?", published.ModelId).Error; err != nil {
			slog.Error("error removing registered artifact", "model_id", published.ModelId, "error", err)
		}
	}
	if uploaded {
		if err := dest.Store.DeleteObjects(ctx, published.StorageBucket, published.StoragePrefix); err != nil {
			slog.Error("error removing uploaded artifact", "bucket", published.StorageBucket, "prefix", published.StoragePrefix, "error", err)
		}
	}
	slog.Warn("rolled back artifact publish", "model_id", published.ModelId, "uploaded", uploaded, "registered", registered)
}

func registerArtifact(ctx context.Context, db *gorm.DB, artifact Artifact, absDir string, published Published) error {
	model := database.Model{
		Id:           published.ModelId,
		Name:         filepath.Base(absDir),
		Type:         database.ModelTypeOnnx,
		Status:       database.ModelExported,
		LocalDir:     absDir,
		Labels:       strings.Join(artifact.Labels, ","),
		CreationTime: artifact.ExportedAt,
		CompletionTime: sql.NullTime{
			Time:  artifact.ExportedAt,
			Valid: true,
		},
	}
	if published.StoragePrefix != "" {
		model.StorageBucket = sql.NullString{String: published.StorageBucket, Valid: true}
		model.StoragePrefix = sql.NullString{String: published.StoragePrefix, Valid: true}
	}

	// Link the artifact to the checkpoint it came from when fine-tuning recorded one.
	if checkpointDir, err := filepath.Abs(artifact.CheckpointDir); err == nil {
		var checkpoint database.Model
		err := db.WithContext(ctx).
			Where("local_dir = ? AND type = ?", checkpointDir, database.ModelTypeCheckpoint).
			Order("creation_time DESC").
			First(&checkpoint).Error
		switch {
		case err == nil:
			model.BaseModelId = uuid.NullUUID{UUID: checkpoint.Id, Valid: true}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("error looking up checkpoint model: %w", err)
		}
	}

	if err := db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("error registering artifact: %w", err)
	}
	return nil
}
