package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentiment-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DBTracker persists runs and per step metrics to the model registry.
type DBTracker struct {
	db    *gorm.DB
	runId uuid.UUID
}

var _ Tracker = (*DBTracker)(nil)

func NewDBTracker(db *gorm.DB) *DBTracker {
	return &DBTracker{db: db}
}

func (t *DBTracker) Start(ctx context.Context, run RunInfo) error {
	hyperparameters, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("error encoding hyperparameters: %w", err)
	}

	t.runId = run.RunId
	record := database.TrainingRun{
		Id:              run.RunId,
		ModelId:         run.ModelId,
		Project:         run.Project,
		Name:            run.Name,
		Status:          database.JobRunning,
		DataPath:        run.Data,
		Hyperparameters: datatypes.JSON(hyperparameters),
		TotalSteps:      run.Steps,
		CreationTime:    time.Now().UTC(),
	}

	if err := t.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("error creating training run: %w", err)
	}
	return nil
}

func (t *DBTracker) Log(ctx context.Context, step StepLog) error {
	return database.SaveStepMetric(ctx, t.db, database.StepMetric{
		RunId:        t.runId,
		Step:         step.Step,
		Epoch:        step.Epoch,
		Loss:         step.Loss,
		Accuracy:     step.Accuracy,
		LearningRate: step.LearningRate,
		Checkpointed: step.Checkpointed,
		Timestamp:    time.Now().UTC(),
	})
}

func (t *DBTracker) Finish(ctx context.Context, status string) error {
	runStatus := database.JobCompleted
	if status != StatusCompleted {
		runStatus = database.JobFailed
	}
	return database.UpdateRunStatus(ctx, t.db, t.runId, runStatus)
}
