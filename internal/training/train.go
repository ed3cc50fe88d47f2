package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"

	"sentiment-backend/internal/dataset"
	"sentiment-backend/internal/tracker"

	"github.com/schollz/progressbar/v3"
)

// Metrics holds the per step traces of a training run.
type Metrics struct {
	Loss     []float64 `json:"loss"`
	Accuracy []float64 `json:"accuracy"`

	BestLoss    float64 `json:"best_loss"`
	Checkpoints int     `json:"checkpoints"`
}

// Train runs opts.Epochs passes over ds, reshuffling every epoch. After each step the
// loss and accuracy are recorded and reported to tr, and the weights are snapshotted
// whenever the step's loss is strictly lower than every loss seen before. A tracker
// error stops training.
func Train(ctx context.Context, stepper Stepper, ds *dataset.Dataset, opts Options, tr tracker.Tracker, progress io.Writer) (Metrics, error) {
	if err := opts.Validate(); err != nil {
		return Metrics{}, err
	}
	if tr == nil {
		tr = tracker.Noop{}
	}
	if progress == nil {
		progress = os.Stderr
	}

	batchesPerEpoch := ds.NumBatches(opts.BatchSize)
	totalSteps := opts.Epochs * batchesPerEpoch

	metrics := Metrics{
		Loss:     make([]float64, 0, totalSteps),
		Accuracy: make([]float64, 0, totalSteps),
		BestLoss: math.Inf(1),
	}

	bar := progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("Training Progress"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	rng := rand.New(rand.NewSource(opts.Seed))

	step := 0
	for epoch := range opts.Epochs {
		for _, batch := range ds.Batches(opts.BatchSize, rng) {
			if err := ctx.Err(); err != nil {
				return metrics, fmt.Errorf("training stopped at step %d: %w", step, err)
			}

			result, err := stepper.Step(batch)
			if err != nil {
				return metrics, fmt.Errorf("error in training step %d: %w", step, err)
			}

			metrics.Loss = append(metrics.Loss, result.Loss)
			metrics.Accuracy = append(metrics.Accuracy, result.Accuracy)

			checkpointed := false
			if result.Loss < metrics.BestLoss {
				if err := stepper.SaveCheckpoint(); err != nil {
					return metrics, fmt.Errorf("error saving checkpoint at step %d: %w", step, err)
				}
				metrics.BestLoss = result.Loss
				metrics.Checkpoints++
				checkpointed = true
			}

			if err := tr.Log(ctx, tracker.StepLog{
				Step:         step,
				Epoch:        epoch,
				Loss:         result.Loss,
				Accuracy:     result.Accuracy,
				LearningRate: result.LearningRate,
				Checkpointed: checkpointed,
			}); err != nil {
				return metrics, fmt.Errorf("error reporting step %d to tracker: %w", step, err)
			}

			step++
			_ = bar.Add(1)
		}

		slog.Info("finished epoch", "epoch", epoch+1, "epochs", opts.Epochs, "steps", step, "best_loss", metrics.BestLoss)
	}

	return metrics, nil
}
