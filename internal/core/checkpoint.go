package core

import (
	"sentiment-backend/internal/training"
)

// CheckpointModel serves a fine-tuning checkpoint directory with gomlx. It is mostly
// used to compare a checkpoint against its exported artifact.
type CheckpointModel struct {
	scorer *training.CheckpointScorer
}

// LoadCheckpointModel runs on the backend selected by GOMLX_BACKEND.
func LoadCheckpointModel(modelDir string) (*CheckpointModel, error) {
	scorer, err := training.NewCheckpointScorer(modelDir, "")
	if err != nil {
		return nil, err
	}
	return &CheckpointModel{scorer: scorer}, nil
}

func (m *CheckpointModel) Logits(text string) ([]float32, error) {
	return m.scorer.Logits(text)
}

func (m *CheckpointModel) Predict(text string) ([]Prediction, error) {
	logits, err := m.scorer.Logits(text)
	if err != nil {
		return nil, err
	}

	pred, err := TopPrediction(logits, m.scorer.Labels())
	if err != nil {
		return nil, err
	}
	return []Prediction{pred}, nil
}

func (m *CheckpointModel) Labels() []string {
	return m.scorer.Labels()
}

func (m *CheckpointModel) Release() {
	m.scorer.Close()
}
