package training

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"sentiment-backend/internal/core/types"
)

// PrepareCheckpointDir seeds checkpointDir from the pretrained model in baseDir: the
// ONNX graph, the tokenizer assets and a config.json describing the classification
// head. Any snapshot left by a previous run is removed.
func PrepareCheckpointDir(baseDir, checkpointDir string, labels []string, maxLength int) (types.ModelConfig, error) {
	if filepath.Clean(baseDir) == filepath.Clean(checkpointDir) {
		return types.ModelConfig{}, fmt.Errorf("checkpoint dir must differ from base model dir %s", baseDir)
	}

	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return types.ModelConfig{}, fmt.Errorf("error creating checkpoint dir %s: %w", checkpointDir, err)
	}

	if err := os.RemoveAll(filepath.Join(checkpointDir, CheckpointSubdir)); err != nil {
		return types.ModelConfig{}, fmt.Errorf("error clearing previous checkpoint: %w", err)
	}

	if err := types.CopyFile(filepath.Join(baseDir, types.ModelFile), filepath.Join(checkpointDir, types.ModelFile)); err != nil {
		return types.ModelConfig{}, fmt.Errorf("error copying base model: %w", err)
	}

	if err := types.CopyTokenizerFiles(baseDir, checkpointDir); err != nil {
		return types.ModelConfig{}, err
	}

	cfg, err := types.LoadModelConfig(baseDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return types.ModelConfig{}, err
		}
		slog.Warn("base model has no config.json, using defaults", "base_dir", baseDir)
	}

	if cfg.HasGenericLabels() || cfg.NumLabels != len(labels) {
		cfg = cfg.WithLabels(labels)
	}
	cfg.MaxLength = maxLength

	if err := cfg.Save(checkpointDir); err != nil {
		return types.ModelConfig{}, err
	}

	slog.Info("prepared checkpoint dir", "base_dir", baseDir, "checkpoint_dir", checkpointDir, "labels", cfg.Labels())
	return cfg, nil
}
