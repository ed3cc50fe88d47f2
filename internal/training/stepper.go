package training

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/dataset"

	"github.com/gomlx/compute"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

type StepResult struct {
	Loss         float64
	Accuracy     float64
	LearningRate float64
}

// Stepper runs optimization steps for one training run.
type Stepper interface {
	// Step applies one optimizer update on the batch and returns its metrics.
	Step(batch dataset.Batch) (StepResult, error)

	// SaveCheckpoint snapshots the current weights, replacing the previous snapshot.
	SaveCheckpoint() error

	Close()
}

type GomlxStepper struct {
	backend    compute.Backend
	classifier *classifier
	trainer    *train.Trainer
	checkpoint *checkpoints.Handler
	schedule   LinearSchedule

	accuracyIdx int
	step        int
}

var _ Stepper = (*GomlxStepper)(nil)

// NewBackend creates the gomlx backend for the given device. GOMLX_BACKEND, when set,
// takes precedence over the device.
func NewBackend(device string) (backend compute.Backend, err error) {
	config, err := BackendConfig(device)
	if err != nil {
		return nil, err
	}
	// compute panics on backends that are not compiled in.
	defer guard(&err, fmt.Sprintf("error creating backend for device %s", device))
	if _, found := os.LookupEnv(compute.ConfigEnvVar); found || config == "" {
		backend, err = compute.New()
	} else {
		backend, err = compute.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error creating backend for device %s", device)
	}
	return backend, nil
}

// NewGomlxStepper prepares training of the model in checkpointDir, which must already
// hold model.onnx. totalSteps is the number of updates the schedule decays over.
func NewGomlxStepper(checkpointDir string, totalSteps int, opts Options) (*GomlxStepper, error) {
	backend, err := NewBackend(opts.Device)
	if err != nil {
		return nil, err
	}

	cfg, err := types.LoadModelConfig(checkpointDir)
	if err != nil {
		backend.Finalize()
		return nil, err
	}

	clf, err := loadClassifier(checkpointDir, len(cfg.Labels()))
	if err != nil {
		backend.Finalize()
		return nil, err
	}

	handler, err := checkpoints.Build(clf.ctx).
		Dir(filepath.Join(checkpointDir, CheckpointSubdir)).
		Keep(1).
		Done()
	if err != nil {
		clf.close()
		backend.Finalize()
		return nil, errors.Wrap(err, "error configuring checkpoints")
	}

	schedule := LinearSchedule{Base: opts.LearningRate, Warmup: opts.WarmupSteps, Total: totalSteps}

	accuracy := metrics.NewBaseMetric("Accuracy", "acc", metrics.AccuracyMetricType, metrics.SparseCategoricalAccuracyGraph, nil)

	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		return []*Node{clf.logitsGraph(ctx, inputs[0], inputs[1])}
	}

	trainer := train.NewTrainer(backend, clf.ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		newClippedOptimizer(opts, schedule),
		[]metrics.Interface{accuracy},
		nil)

	stepper := &GomlxStepper{
		backend:     backend,
		classifier:  clf,
		trainer:     trainer,
		checkpoint:  handler,
		schedule:    schedule,
		accuracyIdx: -1,
	}
	for i, m := range trainer.TrainMetrics() {
		if m.MetricType() == metrics.AccuracyMetricType {
			stepper.accuracyIdx = i
		}
	}

	slog.Info("gomlx stepper ready", "backend", backend.Name(), "total_steps", totalSteps, "checkpoint_dir", handler.Dir())
	return stepper, nil
}

func (s *GomlxStepper) Step(batch dataset.Batch) (result StepResult, err error) {
	defer guard(&err, fmt.Sprintf("train step %d", s.step+1))

	inputIds, attentionMask, labels := batch.Tensors()
	defer finalizeTensors(inputIds, attentionMask, labels)

	values, err := s.trainer.TrainStep(nil, []*tensors.Tensor{inputIds, attentionMask}, []*tensors.Tensor{labels})
	if err != nil {
		return StepResult{}, errors.WithMessagef(err, "train step %d", s.step+1)
	}
	defer finalizeTensors(values...)

	result = StepResult{
		Loss:         scalarValue(values[0]),
		LearningRate: s.schedule.At(s.step),
	}
	if s.accuracyIdx >= 0 && s.accuracyIdx < len(values) {
		result.Accuracy = scalarValue(values[s.accuracyIdx])
	}
	s.step++
	return result, nil
}

func (s *GomlxStepper) SaveCheckpoint() error {
	if err := s.checkpoint.Save(); err != nil {
		return errors.Wrapf(err, "error saving checkpoint to %s", s.checkpoint.Dir())
	}
	return nil
}

func (s *GomlxStepper) Close() {
	s.classifier.close()
	s.backend.Finalize()
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}

func finalizeTensors(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			_ = t.FinalizeAll()
		}
	}
}
