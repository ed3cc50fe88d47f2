package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/database"
	"sentiment-backend/internal/dataset"
	"sentiment-backend/internal/tracker"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type StepperFactory func(checkpointDir string, totalSteps int, opts Options) (Stepper, error)

type EncoderFactory func(modelDir string) (dataset.Encoder, error)

type FinetuneParams struct {
	Data         string
	DataDir      string
	BaseModelDir string
	OutputDir    string
	Labels       []string
	Options      Options

	Project string
	RunName string

	// DB, when set, records the checkpoint and the run in the model registry.
	DB *gorm.DB
	// Tracker receives step metrics in addition to the registry.
	Tracker  tracker.Tracker
	Progress io.Writer

	NewStepper StepperFactory
	NewEncoder EncoderFactory
}

type FinetuneResult struct {
	RunId         uuid.UUID `json:"run_id"`
	ModelId       uuid.UUID `json:"model_id"`
	CheckpointDir string    `json:"checkpoint_dir"`
	Metrics       Metrics   `json:"metrics"`
}

func defaultStepper(checkpointDir string, totalSteps int, opts Options) (Stepper, error) {
	return NewGomlxStepper(checkpointDir, totalSteps, opts)
}

func defaultEncoder(modelDir string) (dataset.Encoder, error) {
	return dataset.LoadTokenizer(modelDir)
}

// Finetune trains the base model on a JSONL data file and leaves the best weights in
// OutputDir, ready to be exported.
func Finetune(ctx context.Context, p FinetuneParams) (FinetuneResult, error) {
	if p.NewStepper == nil {
		p.NewStepper = defaultStepper
	}
	if p.NewEncoder == nil {
		p.NewEncoder = defaultEncoder
	}
	if len(p.Labels) == 0 {
		p.Labels = types.DefaultLabels
	}
	if err := p.Options.Validate(); err != nil {
		return FinetuneResult{}, err
	}

	dataPath, err := dataset.ResolvePath(p.DataDir, p.Data)
	if err != nil {
		return FinetuneResult{}, err
	}

	cfg, err := PrepareCheckpointDir(p.BaseModelDir, p.OutputDir, p.Labels, p.Options.MaxLength)
	if err != nil {
		return FinetuneResult{}, err
	}

	encoder, err := p.NewEncoder(p.OutputDir)
	if err != nil {
		return FinetuneResult{}, err
	}
	ds, err := dataset.Load(dataPath, encoder, p.Options.MaxLength, cfg.PadTokenId)
	if closeErr := encoder.Close(); closeErr != nil {
		slog.Warn("error closing tokenizer", "error", closeErr)
	}
	if err != nil {
		return FinetuneResult{}, err
	}

	totalSteps := p.Options.Epochs * ds.NumBatches(p.Options.BatchSize)

	stepper, err := p.NewStepper(p.OutputDir, totalSteps, p.Options)
	if err != nil {
		return FinetuneResult{}, fmt.Errorf("error creating trainer: %w", err)
	}
	defer stepper.Close()

	result := FinetuneResult{
		RunId:         uuid.New(),
		ModelId:       uuid.New(),
		CheckpointDir: p.OutputDir,
	}

	var trackers tracker.Multi
	if p.DB != nil {
		if err := registerCheckpoint(ctx, p.DB, result.ModelId, p.OutputDir, p.Labels); err != nil {
			return result, err
		}
		trackers = append(trackers, tracker.NewDBTracker(p.DB))
	}
	if p.Tracker != nil {
		trackers = append(trackers, p.Tracker)
	}

	run := tracker.RunInfo{
		RunId:   result.RunId,
		ModelId: result.ModelId,
		Project: p.Project,
		Name:    p.RunName,
		Data:    dataPath,
		Config:  p.Options.Hyperparameters(),
		Steps:   totalSteps,
	}
	if err := trackers.Start(ctx, run); err != nil {
		finishModel(p.DB, result.ModelId, database.ModelFailed)
		return result, fmt.Errorf("error starting experiment tracking: %w", err)
	}

	slog.Info("starting fine-tuning", "run_id", result.RunId, "data", dataPath, "examples", ds.Len(), "total_steps", totalSteps)
	start := time.Now()

	metrics, trainErr := Train(ctx, stepper, ds, p.Options, trackers, p.Progress)
	result.Metrics = metrics

	status, modelStatus := tracker.StatusCompleted, database.ModelTrained
	if trainErr == nil && metrics.Checkpoints == 0 {
		trainErr = fmt.Errorf("no checkpoint was saved, every step produced a non finite loss")
	}
	if trainErr != nil {
		status, modelStatus = tracker.StatusFailed, database.ModelFailed
	}

	// The run may have been cancelled, the final status is still recorded.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	finishErr := trackers.Finish(finishCtx, status)
	finishModel(p.DB, result.ModelId, modelStatus)

	if err := errors.Join(trainErr, finishErr); err != nil {
		slog.Error("fine-tuning failed", "run_id", result.RunId, "error", err)
		return result, err
	}

	slog.Info("fine-tuning completed", "run_id", result.RunId, "best_loss", metrics.BestLoss, "checkpoints", metrics.Checkpoints, "duration", time.Since(start))
	return result, nil
}

func registerCheckpoint(ctx context.Context, db *gorm.DB, modelId uuid.UUID, dir string, labels []string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	model := database.Model{
		Id:           modelId,
		Name:         filepath.Base(absDir),
		Type:         database.ModelTypeCheckpoint,
		Status:       database.ModelTraining,
		LocalDir:     absDir,
		Labels:       strings.Join(labels, ","),
		CreationTime: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("error registering checkpoint: %w", err)
	}
	return nil
}

func finishModel(db *gorm.DB, modelId uuid.UUID, status string) {
	if db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := database.UpdateModelStatus(ctx, db, modelId, status); err != nil {
		slog.Error("error recording model status", "model_id", modelId, "status", status, "error", err)
	}
}
