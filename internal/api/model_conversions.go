package api

import (
	"encoding/json"
	"log/slog"
	"strings"

	"sentiment-backend/internal/database"
	"sentiment-backend/pkg/api"
)

func convertModel(m database.Model) api.Model {
	model := api.Model{
		Id:            m.Id,
		Name:          m.Name,
		Type:          m.Type,
		Status:        m.Status,
		LocalDir:      m.LocalDir,
		Labels:        []string{},
		StorageBucket: m.StorageBucket.String,
		StoragePrefix: m.StoragePrefix.String,
		CreationTime:  m.CreationTime,
	}
	if m.Labels != "" {
		model.Labels = strings.Split(m.Labels, ",")
	}
	if m.BaseModelId.Valid {
		id := m.BaseModelId.UUID
		model.BaseModelId = &id
	}
	if m.CompletionTime.Valid {
		t := m.CompletionTime.Time
		model.CompletionTime = &t
	}
	return model
}

func convertModels(ms []database.Model) []api.Model {
	models := make([]api.Model, 0, len(ms))
	for _, m := range ms {
		models = append(models, convertModel(m))
	}
	return models
}

func convertRun(r database.TrainingRun) api.TrainingRun {
	run := api.TrainingRun{
		Id:           r.Id,
		ModelId:      r.ModelId,
		Project:      r.Project,
		Name:         r.Name,
		Status:       r.Status,
		DataPath:     r.DataPath,
		TotalSteps:   r.TotalSteps,
		CreationTime: r.CreationTime,
		Steps:        make([]api.StepMetric, 0, len(r.Steps)),
	}

	if len(r.Hyperparameters) > 0 {
		if err := json.Unmarshal(r.Hyperparameters, &run.Hyperparameters); err != nil {
			slog.Warn("error decoding run hyperparameters", "run_id", r.Id, "error", err)
		}
	}
	if r.BestLoss.Valid {
		loss := r.BestLoss.Float64
		run.BestLoss = &loss
	}
	if r.CompletionTime.Valid {
		t := r.CompletionTime.Time
		run.CompletionTime = &t
	}

	for _, s := range r.Steps {
		run.Steps = append(run.Steps, api.StepMetric{
			Step:         s.Step,
			Epoch:        s.Epoch,
			Loss:         s.Loss,
			Accuracy:     s.Accuracy,
			LearningRate: s.LearningRate,
			Checkpointed: s.Checkpointed,
		})
	}
	return run
}
