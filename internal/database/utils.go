package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateModelStatus(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == ModelTrained || status == ModelExported || status == ModelFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error updating model status", "model_id", modelId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating training run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

// SaveStepMetric records one training step, tracking the best loss on the run row.
func SaveStepMetric(ctx context.Context, db *gorm.DB, metric StepMetric) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&metric).Error; err != nil {
			return fmt.Errorf("failed to save step metric: %w", err)
		}

		if metric.Checkpointed {
			if err := txn.Model(&TrainingRun{Id: metric.RunId}).Update("best_loss", metric.Loss).Error; err != nil {
				return fmt.Errorf("failed to update best loss: %w", err)
			}
		}
		return nil
	})
}

func ListModels(ctx context.Context, db *gorm.DB, status string) ([]Model, error) {
	query := db.WithContext(ctx).Order("creation_time DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var models []Model
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}
	return models, nil
}

func GetTrainingRun(ctx context.Context, db *gorm.DB, runId uuid.UUID) (TrainingRun, error) {
	var run TrainingRun
	err := db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step ASC") }).
		First(&run, "id = ?", runId).Error
	if err != nil {
		return TrainingRun{}, fmt.Errorf("error getting training run %s: %w", runId, err)
	}
	return run, nil
}

func GetModel(ctx context.Context, db *gorm.DB, modelId uuid.UUID) (Model, error) {
	var model Model
	if err := db.WithContext(ctx).First(&model, "id = ?", modelId).Error; err != nil {
		return Model{}, fmt.Errorf("error getting model %s: %w", modelId, err)
	}
	return model, nil
}
