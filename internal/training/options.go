package training

import (
	"fmt"
	"strings"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/dataset"
)

const (
	DefaultEpochs       = 5
	DefaultBatchSize    = 8
	DefaultLearningRate = 5e-5
	DefaultClipNorm     = 1.0
	DefaultWeightDecay  = 0.01
)

type Options struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	WarmupSteps  int
	ClipNorm     float64
	WeightDecay  float64
	MaxLength    int
	Seed         int64
	Device       string
}

func DefaultOptions() Options {
	return Options{
		Epochs:       DefaultEpochs,
		BatchSize:    DefaultBatchSize,
		LearningRate: DefaultLearningRate,
		ClipNorm:     DefaultClipNorm,
		WeightDecay:  DefaultWeightDecay,
		MaxLength:    types.DefaultMaxLength,
		Seed:         dataset.DefaultSeed,
		Device:       "cpu",
	}
}

func (o Options) Validate() error {
	if o.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", o.Epochs)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", o.LearningRate)
	}
	if o.WarmupSteps < 0 {
		return fmt.Errorf("warmup steps must not be negative, got %d", o.WarmupSteps)
	}
	if o.MaxLength <= 0 {
		return fmt.Errorf("max length must be positive, got %d", o.MaxLength)
	}
	return nil
}

// Hyperparameters is the form of the options stored alongside a training run.
func (o Options) Hyperparameters() map[string]any {
	return map[string]any{
		"epochs":        o.Epochs,
		"batch_size":    o.BatchSize,
		"learning_rate": o.LearningRate,
		"warmup_steps":  o.WarmupSteps,
		"clip_norm":     o.ClipNorm,
		"weight_decay":  o.WeightDecay,
		"max_length":    o.MaxLength,
		"seed":          o.Seed,
		"device":        o.Device,
	}
}

// BackendConfig maps a device name to a gomlx backend configuration string. An empty
// result lets gomlx pick its default backend.
func BackendConfig(device string) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(device)); {
	case d == "" || d == "cpu":
		return "", nil
	case d == "cuda" || strings.HasPrefix(d, "cuda:"):
		return "xla:cuda", nil
	case strings.HasPrefix(d, "xla:") || d == "go":
		return d, nil
	default:
		return "", fmt.Errorf("unsupported device '%s'", device)
	}
}
