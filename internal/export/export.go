package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/training"
)

// Converter writes model.onnx for a checkpoint directory into outDir.
type Converter interface {
	Convert(ctx context.Context, checkpointDir, outDir string) error
}

// GomlxConverter bakes the trained gomlx variables back into the checkpoint's ONNX graph.
type GomlxConverter struct{}

func (GomlxConverter) Convert(ctx context.Context, checkpointDir, outDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return training.WriteONNX(checkpointDir, filepath.Join(outDir, types.ModelFile))
}

type Artifact struct {
	Dir           string
	CheckpointDir string
	Labels        []string
	ExportedAt    time.Time
}

// Export converts checkpointDir into an inference artifact at artifactDir. The new
// artifact replaces any previous one only once it is complete, and the previous one is
// left untouched if anything fails.
func Export(ctx context.Context, checkpointDir, artifactDir string, converter Converter) (Artifact, error) {
	if info, err := os.Stat(checkpointDir); err != nil || !info.IsDir() {
		return Artifact{}, fmt.Errorf("checkpoint dir %s not found", checkpointDir)
	}
	cfg, err := types.LoadModelConfig(checkpointDir)
	if err != nil {
		return Artifact{}, err
	}

	artifactDir = filepath.Clean(artifactDir)
	if filepath.Clean(checkpointDir) == artifactDir {
		return Artifact{}, fmt.Errorf("artifact dir must differ from checkpoint dir %s", checkpointDir)
	}

	parent, name := filepath.Dir(artifactDir), filepath.Base(artifactDir)
	if err := os.MkdirAll(parent, os.ModePerm); err != nil {
		return Artifact{}, fmt.Errorf("error creating %s: %w", parent, err)
	}

	tmpDir, err := os.MkdirTemp(parent, "."+name+".tmp-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("error creating staging dir: %w", err)
	}
	published := false
	defer func() {
		if !published {
			if err := os.RemoveAll(tmpDir); err != nil {
				slog.Warn("error removing staging dir", "dir", tmpDir, "error", err)
			}
		}
	}()

	start := time.Now()
	slog.Info("converting checkpoint", "checkpoint_dir", checkpointDir, "staging_dir", tmpDir)

	if err := converter.Convert(ctx, checkpointDir, tmpDir); err != nil {
		return Artifact{}, fmt.Errorf("error converting checkpoint: %w", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, types.ModelFile)); err != nil {
		return Artifact{}, fmt.Errorf("converter did not produce %s: %w", types.ModelFile, err)
	}

	if err := types.CopyTokenizerFiles(checkpointDir, tmpDir); err != nil {
		return Artifact{}, err
	}
	if err := cfg.Save(tmpDir); err != nil {
		return Artifact{}, err
	}

	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	if err := swapDir(tmpDir, artifactDir); err != nil {
		return Artifact{}, err
	}
	published = true

	artifact := Artifact{
		Dir:           artifactDir,
		CheckpointDir: checkpointDir,
		Labels:        cfg.Labels(),
		ExportedAt:    time.Now().UTC(),
	}
	slog.Info("exported model", "artifact_dir", artifactDir, "labels", artifact.Labels, "duration", time.Since(start))

	return artifact, nil
}

// swapDir moves src to dst. An existing dst is first renamed aside and is only removed
// once src is in place.
func swapDir(src, dst string) error {
	old := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".old")
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("error removing %s: %w", old, err)
	}

	hadPrevious := true
	if err := os.Rename(dst, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error moving previous artifact aside: %w", err)
		}
		hadPrevious = false
	}

	if err := os.Rename(src, dst); err != nil {
		if hadPrevious {
			if restoreErr := os.Rename(old, dst); restoreErr != nil {
				slog.Error("error restoring previous artifact", "dir", dst, "error", restoreErr)
			}
		}
		return fmt.Errorf("error publishing artifact to %s: %w", dst, err)
	}

	if hadPrevious {
		if err := os.RemoveAll(old); err != nil {
			slog.Warn("error removing previous artifact", "dir", old, "error", err)
		}
	}
	return nil
}
