package training

import (
	"fmt"
	"log/slog"
	"sync"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/dataset"

	"github.com/gomlx/compute"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// CheckpointScorer computes logits straight from a training checkpoint directory, without
// exporting it first. Inputs are padded to a fixed length so a single graph is compiled.
type CheckpointScorer struct {
	mu         sync.Mutex
	backend    compute.Backend
	classifier *classifier
	exec       *context.Exec
	tokenizer  dataset.Encoder

	labels    []string
	maxLength int
	padId     int64
}

func NewCheckpointScorer(dir string, device string) (scorer *CheckpointScorer, err error) {
	cfg, err := types.LoadModelConfig(dir)
	if err != nil {
		return nil, err
	}

	tokenizer, err := dataset.LoadTokenizer(dir)
	if err != nil {
		return nil, err
	}

	backend, err := NewBackend(device)
	if err != nil {
		tokenizer.Close()
		return nil, err
	}

	clf, err := loadClassifier(dir, len(cfg.Labels()))
	if err != nil {
		tokenizer.Close()
		backend.Finalize()
		return nil, err
	}

	cleanup := func() {
		clf.close()
		tokenizer.Close()
		backend.Finalize()
	}

	if err := clf.restore(dir); err != nil {
		cleanup()
		return nil, err
	}

	defer func() {
		if err != nil {
			cleanup()
			scorer = nil
		}
	}()
	defer guard(&err, "error building scoring graph")

	exec, err := context.NewExec(backend, clf.ctx, func(ctx *context.Context, inputIds, attentionMask *Node) *Node {
		return clf.logitsGraph(ctx, inputIds, attentionMask)
	})
	if err != nil {
		return nil, errors.Wrap(err, "error building scoring graph")
	}

	return &CheckpointScorer{
		backend:    backend,
		classifier: clf,
		exec:       exec,
		tokenizer:  tokenizer,
		labels:     cfg.Labels(),
		maxLength:  cfg.SequenceLength(),
		padId:      cfg.PadTokenId,
	}, nil
}

func (s *CheckpointScorer) Labels() []string {
	return s.labels
}

// Logits returns the raw classifier outputs for one text.
func (s *CheckpointScorer) Logits(text string) (logits []float32, err error) {
	encoding := dataset.FixLength(s.tokenizer.Encode(text), s.maxLength, s.padId)

	inputIds := tensors.FromValue([][]int64{encoding.InputIDs})
	attentionMask := tensors.FromValue([][]int64{encoding.AttentionMask})
	defer finalizeTensors(inputIds, attentionMask)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer guard(&err, "error scoring text")

	output, err := s.exec.Exec1(inputIds, attentionMask)
	if err != nil {
		return nil, errors.Wrap(err, "error running classifier")
	}
	defer finalizeTensors(output)

	dims := output.Shape().Dimensions
	if len(dims) != 2 || dims[0] != 1 {
		return nil, fmt.Errorf("unexpected logits shape %v", dims)
	}
	return tensors.MustCopyFlatData[float32](output), nil
}

func (s *CheckpointScorer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exec.Finalize()
	s.classifier.close()
	if err := s.tokenizer.Close(); err != nil {
		slog.Error("error closing tokenizer", "error", err)
	}
	s.backend.Finalize()
}
