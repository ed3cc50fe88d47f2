package api

import (
	"time"

	"github.com/google/uuid"
)

type PredictRequest struct {
	Text string `json:"text"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ReloadParams struct {
	ModelDir string `schema:"model_dir"`
	ModelId  string `schema:"model_id"`
}

type ReloadResponse struct {
	Status   string    `json:"status"`
	Version  int64     `json:"version"`
	ModelDir string    `json:"model_dir"`
	LoadedAt time.Time `json:"loaded_at"`
}

type HealthResponse struct {
	Status   string    `json:"status"`
	Version  int64     `json:"version"`
	ModelDir string    `json:"model_dir"`
	LoadedAt time.Time `json:"loaded_at"`
	Labels   []string  `json:"labels"`
}

type ListModelsParams struct {
	Status string `schema:"status"`
}

type Model struct {
	Id          uuid.UUID  `json:"id"`
	BaseModelId *uuid.UUID `json:"base_model_id,omitempty"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	LocalDir    string     `json:"local_dir"`
	Labels      []string   `json:"labels"`

	StorageBucket string `json:"storage_bucket,omitempty"`
	StoragePrefix string `json:"storage_prefix,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type StepMetric struct {
	Step         int     `json:"step"`
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	Accuracy     float64 `json:"accuracy"`
	LearningRate float64 `json:"learning_rate"`
	Checkpointed bool    `json:"checkpointed"`
}

type TrainingRun struct {
	Id              uuid.UUID      `json:"id"`
	ModelId         uuid.UUID      `json:"model_id"`
	Project         string         `json:"project"`
	Name            string         `json:"name"`
	Status          string         `json:"status"`
	DataPath        string         `json:"data_path"`
	Hyperparameters map[string]any `json:"hyperparameters"`
	TotalSteps      int            `json:"total_steps"`
	BestLoss        *float64       `json:"best_loss,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Steps []StepMetric `json:"steps"`
}
