package integrationtests

import (
	"context"
	"testing"
	"time"

	"sentiment-backend/internal/database"
	"sentiment-backend/internal/tracker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRegistry(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db, err := database.NewDatabase(setupPostgresContainer(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, "postgres", db.Dialector.Name())

	model := database.Model{
		Id:           uuid.New(),
		Name:         "finetuned",
		Type:         database.ModelTypeCheckpoint,
		Status:       database.ModelTraining,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&model).Error)

	tr := tracker.NewDBTracker(db)
	runId := uuid.New()
	require.NoError(t, tr.Start(ctx, tracker.RunInfo{
		RunId:   runId,
		ModelId: model.Id,
		Project: "sent-clf finetuning",
		Name:    "fine run",
		Config:  map[string]any{"epochs": 1},
		Steps:   2,
	}))
	require.NoError(t, tr.Log(ctx, tracker.StepLog{Step: 0, Loss: 0.7, Checkpointed: true}))
	require.NoError(t, tr.Log(ctx, tracker.StepLog{Step: 1, Loss: 0.5, Checkpointed: true}))
	require.NoError(t, tr.Finish(ctx, tracker.StatusCompleted))
	require.NoError(t, database.UpdateModelStatus(ctx, db, model.Id, database.ModelTrained))

	run, err := database.GetTrainingRun(ctx, db, runId)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Len(t, run.Steps, 2)
	assert.InDelta(t, 0.5, run.BestLoss.Float64, 1e-9)

	models, err := database.ListModels(ctx, db, database.ModelTrained)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.True(t, models[0].CompletionTime.Valid)
}
