package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/database"
	"sentiment-backend/internal/dataset"
	"sentiment-backend/internal/tracker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStepper struct {
	losses  []float64
	step    int
	saves   []int
	batches []int
	closed  bool
	saveErr error
}

func (s *fakeStepper) Step(batch dataset.Batch) (StepResult, error) {
	if s.step >= len(s.losses) {
		return StepResult{}, errors.New("too many steps")
	}
	loss := s.losses[s.step]
	s.batches = append(s.batches, batch.Size())
	s.step++
	return StepResult{Loss: loss, Accuracy: 0.5, LearningRate: 1e-5}, nil
}

func (s *fakeStepper) SaveCheckpoint() error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, s.step-1)
	return nil
}

func (s *fakeStepper) Close() {
	s.closed = true
}

type recordingTracker struct {
	tracker.Noop
	steps    []tracker.StepLog
	failAt   int
	started  bool
	finished string
}

func (r *recordingTracker) Start(context.Context, tracker.RunInfo) error {
	r.started = true
	return nil
}

func (r *recordingTracker) Log(_ context.Context, step tracker.StepLog) error {
	if r.failAt > 0 && len(r.steps)+1 == r.failAt {
		return errors.New("tracker unavailable")
	}
	r.steps = append(r.steps, step)
	return nil
}

func (r *recordingTracker) Finish(_ context.Context, status string) error {
	r.finished = status
	return nil
}

type wordEncoder struct{}

func (wordEncoder) Encode(text string) dataset.Encoding {
	ids := []int64{101}
	for range strings.Fields(text) {
		ids = append(ids, 1000)
	}
	ids = append(ids, 102)

	mask := make([]int64, len(ids))
	special := make([]int64, len(ids))
	for i := range ids {
		mask[i] = 1
	}
	special[0], special[len(ids)-1] = 1, 1
	return dataset.Encoding{InputIDs: ids, AttentionMask: mask, SpecialTokensMask: special}
}

func (wordEncoder) Close() error { return nil }

func makeDataset(n int) *dataset.Dataset {
	examples := make([]dataset.Example, n)
	for i := range examples {
		examples[i] = dataset.Example{Text: fmt.Sprintf("example number %d", i), Label: i % 2}
	}
	return dataset.New(examples, wordEncoder{}, 16, 0)
}

func testOptions(epochs, batchSize int) Options {
	opts := DefaultOptions()
	opts.Epochs = epochs
	opts.BatchSize = batchSize
	opts.MaxLength = 16
	return opts
}

func TestTrainCheckpointsOnStrictlyLowerLoss(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{0.9, 0.7, 0.7, 0.8, 0.5, 0.5}}
	tr := &recordingTracker{}

	metrics, err := Train(context.Background(), stepper, makeDataset(5), testOptions(2, 2), tr, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, []float64{0.9, 0.7, 0.7, 0.8, 0.5, 0.5}, metrics.Loss)
	assert.Len(t, metrics.Accuracy, 6)
	assert.Equal(t, []int{0, 1, 4}, stepper.saves)
	assert.Equal(t, 3, metrics.Checkpoints)
	assert.InDelta(t, 0.5, metrics.BestLoss, 1e-9)

	require.Len(t, tr.steps, 6)
	for i, step := range tr.steps {
		assert.Equal(t, i, step.Step)
		assert.Equal(t, i/3, step.Epoch)
	}
	assert.True(t, tr.steps[4].Checkpointed)
	assert.False(t, tr.steps[5].Checkpointed)

	// 5 examples in batches of 2 leave a partial final batch every epoch.
	assert.Equal(t, []int{2, 2, 1, 2, 2, 1}, stepper.batches)
}

func TestTrainTrackerErrorAborts(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{0.9, 0.8, 0.7, 0.6}}
	tr := &recordingTracker{failAt: 2}

	metrics, err := Train(context.Background(), stepper, makeDataset(4), testOptions(1, 1), tr, io.Discard)
	assert.ErrorContains(t, err, "tracker unavailable")
	assert.Equal(t, 2, stepper.step)
	assert.Len(t, metrics.Loss, 2)
}

func TestTrainCheckpointErrorAborts(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{0.9}, saveErr: errors.New("disk full")}

	_, err := Train(context.Background(), stepper, makeDataset(1), testOptions(1, 1), nil, io.Discard)
	assert.ErrorContains(t, err, "disk full")
}

func TestTrainHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stepper := &fakeStepper{losses: []float64{0.9}}
	_, err := Train(ctx, stepper, makeDataset(2), testOptions(1, 1), nil, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stepper.step)
}

func TestTrainRejectsInvalidOptions(t *testing.T) {
	_, err := Train(context.Background(), &fakeStepper{}, makeDataset(1), testOptions(0, 1), nil, io.Discard)
	assert.ErrorContains(t, err, "epochs")
}

func TestLinearSchedule(t *testing.T) {
	s := LinearSchedule{Base: 1e-4, Warmup: 0, Total: 10}
	assert.InDelta(t, 1e-4, s.At(0), 1e-12)
	assert.InDelta(t, 0.5e-4, s.At(5), 1e-12)
	assert.InDelta(t, 0.1e-4, s.At(9), 1e-12)
	assert.Equal(t, 0.0, s.At(10))
	assert.Equal(t, 0.0, s.At(12))

	w := LinearSchedule{Base: 1.0, Warmup: 4, Total: 12}
	assert.Equal(t, 0.0, w.At(0))
	assert.InDelta(t, 0.5, w.At(2), 1e-12)
	assert.InDelta(t, 1.0, w.At(4), 1e-12)
	assert.InDelta(t, 0.5, w.At(8), 1e-12)
}

func TestBackendConfig(t *testing.T) {
	for device, expected := range map[string]string{
		"":        "",
		"cpu":     "",
		"CUDA":    "xla:cuda",
		"cuda:0":  "xla:cuda",
		"xla:cpu": "xla:cpu",
		" go ":    "go",
	} {
		config, err := BackendConfig(device)
		require.NoError(t, err, device)
		assert.Equal(t, expected, config, device)
	}

	_, err := BackendConfig("tpu")
	assert.ErrorContains(t, err, "unsupported device")
}

func writeBaseModel(t *testing.T, dir string, config string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, types.ModelFile), []byte("onnx-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(`{"model":{}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("[PAD]\n"), 0o644))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, types.ConfigFile), []byte(config), 0o644))
	}
}

func TestPrepareCheckpointDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base")
	out := filepath.Join(t.TempDir(), "finetuned")
	writeBaseModel(t, base, `{"id2label": {"0": "LABEL_0", "1": "LABEL_1"}, "pad_token_id": 1, "hidden_size": 768}`)

	stale := filepath.Join(out, CheckpointSubdir)
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "checkpoint.json"), []byte("{}"), 0o644))

	cfg, err := PrepareCheckpointDir(base, out, types.DefaultLabels, 128)
	require.NoError(t, err)
	assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, cfg.Labels())
	assert.EqualValues(t, 1, cfg.PadTokenId)

	assert.FileExists(t, filepath.Join(out, types.ModelFile))
	assert.FileExists(t, filepath.Join(out, "tokenizer.json"))
	assert.FileExists(t, filepath.Join(out, "vocab.txt"))
	assert.NoDirExists(t, stale)

	saved, err := types.LoadModelConfig(out)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.NumLabels)
	assert.Equal(t, 128, saved.MaxLength)
	assert.Equal(t, "POSITIVE", saved.Id2Label["1"])

	raw, err := os.ReadFile(filepath.Join(out, types.ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hidden_size")
}

func TestPrepareCheckpointDirErrors(t *testing.T) {
	base := t.TempDir()
	_, err := PrepareCheckpointDir(base, filepath.Join(t.TempDir(), "out"), types.DefaultLabels, 128)
	assert.ErrorIs(t, err, os.ErrNotExist)

	writeBaseModel(t, base, "")
	_, err = PrepareCheckpointDir(base, base, types.DefaultLabels, 128)
	assert.ErrorContains(t, err, "must differ")
}

func finetuneParams(t *testing.T, stepper *fakeStepper) FinetuneParams {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, "models")
	writeBaseModel(t, base, "")

	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	lines := `{"text": "great movie", "label": 1}
{"text": "awful plot", "label": 0}
{"text": "loved it", "label": "1"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "data.jsonl"), []byte(lines), 0o644))

	return FinetuneParams{
		Data:         "data.jsonl",
		DataDir:      dataDir,
		BaseModelDir: base,
		OutputDir:    filepath.Join(root, "models", "finetuned"),
		Options:      testOptions(2, 2),
		Project:      "sent-clf finetuning",
		RunName:      "fine run",
		Progress:     io.Discard,
		NewStepper: func(string, int, Options) (Stepper, error) {
			return stepper, nil
		},
		NewEncoder: func(string) (dataset.Encoder, error) {
			return wordEncoder{}, nil
		},
	}
}

func TestFinetune(t *testing.T) {
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)

	stepper := &fakeStepper{losses: []float64{0.7, 0.6, 0.65, 0.4}}
	tr := &recordingTracker{}

	params := finetuneParams(t, stepper)
	params.DB = db
	params.Tracker = tr

	result, err := Finetune(context.Background(), params)
	require.NoError(t, err)

	assert.True(t, stepper.closed)
	assert.True(t, tr.started)
	assert.Equal(t, tracker.StatusCompleted, tr.finished)
	assert.Len(t, result.Metrics.Loss, 4)

	run, err := database.GetTrainingRun(context.Background(), db, result.RunId)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Equal(t, 4, run.TotalSteps)
	assert.Len(t, run.Steps, 4)
	assert.InDelta(t, 0.4, run.BestLoss.Float64, 1e-9)

	model, err := database.GetModel(context.Background(), db, result.ModelId)
	require.NoError(t, err)
	assert.Equal(t, database.ModelTrained, model.Status)
	assert.Equal(t, database.ModelTypeCheckpoint, model.Type)
	assert.Equal(t, "NEGATIVE,POSITIVE", model.Labels)
}

func TestFinetuneMissingData(t *testing.T) {
	params := finetuneParams(t, &fakeStepper{})
	params.Data = "missing.jsonl"

	_, err := Finetune(context.Background(), params)
	assert.ErrorIs(t, err, dataset.ErrDataNotFound)
}

func TestFinetuneTrackerFailureMarksRunFailed(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{0.7, 0.6, 0.65, 0.4}}
	tr := &recordingTracker{failAt: 2}

	params := finetuneParams(t, stepper)
	params.Tracker = tr

	_, err := Finetune(context.Background(), params)
	assert.ErrorContains(t, err, "tracker unavailable")
	assert.Equal(t, tracker.StatusFailed, tr.finished)
	assert.True(t, stepper.closed)
}
