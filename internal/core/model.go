package core

import (
	"fmt"
)

// ModelType selects how a model directory is loaded for serving.
type ModelType string

const (
	// OnnxModelType serves an exported artifact with ONNX Runtime.
	OnnxModelType ModelType = "onnx"
	// CheckpointModelType serves a training checkpoint directly with gomlx.
	CheckpointModelType ModelType = "checkpoint"
)

type Prediction struct {
	Label string
	Score float32
}

type Model interface {
	// Predict returns the top scoring label for text.
	Predict(text string) ([]Prediction, error)

	// Logits returns the raw classifier outputs, one per label.
	Logits(text string) ([]float32, error)

	Labels() []string

	Release()
}

type ModelLoader func(string) (Model, error)

func NewModelLoaders() map[ModelType]ModelLoader {
	return map[ModelType]ModelLoader{
		OnnxModelType: func(modelDir string) (Model, error) {
			model, err := LoadOnnxModel(modelDir)
			if err != nil {
				return nil, err
			}
			return model, nil
		},
		CheckpointModelType: func(modelDir string) (Model, error) {
			model, err := LoadCheckpointModel(modelDir)
			if err != nil {
				return nil, err
			}
			return model, nil
		},
	}
}

func GetModelLoader(loaders map[ModelType]ModelLoader, modelType string) (ModelLoader, error) {
	loader, ok := loaders[ModelType(modelType)]
	if !ok {
		return nil, fmt.Errorf("unsupported model type '%s'", modelType)
	}
	return loader, nil
}
