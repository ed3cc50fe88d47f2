package training

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"sentiment-backend/internal/core/types"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
)

// CheckpointSubdir holds the gomlx variable snapshot inside a checkpoint directory.
const CheckpointSubdir = "checkpoint"

var ErrNoCheckpoint = errors.New("no trained checkpoint found")

// classifier is an imported ONNX sequence classifier whose weights live in a gomlx
// context, so they can be trained, restored and exported again.
type classifier struct {
	model onnx.Model
	ctx   *context.Context

	tokenTypes bool
	logitsName string
}

// loadClassifier imports model.onnx from modelDir. When numLabels is positive the
// static width of the logits output must match it.
func loadClassifier(modelDir string, numLabels int) (clf *classifier, err error) {
	path := filepath.Join(modelDir, types.ModelFile)
	model, err := parser.ParseFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading onnx model %s", path)
	}
	defer func() {
		if err != nil {
			closeModel(model)
		}
	}()

	inputNames, _ := model.Inputs()
	for _, required := range []string{"input_ids", "attention_mask"} {
		if !slices.Contains(inputNames, required) {
			return nil, fmt.Errorf("onnx model %s has no %s input, found %v", path, required, inputNames)
		}
	}

	outputNames, outputShapes := model.Outputs()
	if len(outputNames) == 0 {
		return nil, fmt.Errorf("onnx model %s has no outputs", path)
	}
	logitsIdx := 0
	if i := slices.Index(outputNames, "logits"); i >= 0 {
		logitsIdx = i
	}
	if numLabels > 0 && logitsIdx < len(outputShapes) {
		if err := checkLogitsWidth(outputShapes[logitsIdx].Dimensions, numLabels); err != nil {
			return nil, errors.WithMessagef(err, "onnx model %s", path)
		}
	}

	ctx := context.New()
	if err := model.VariablesToContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "error moving onnx weights of %s into context", path)
	}

	// Integer initializers such as position ids are constants, not weights.
	for v := range ctx.IterVariables() {
		if !v.Shape().DType.IsFloat() {
			v.SetTrainable(false)
		}
	}

	return &classifier{
		model:      model,
		ctx:        ctx,
		tokenTypes: slices.Contains(inputNames, "token_type_ids"),
		logitsName: outputNames[logitsIdx],
	}, nil
}

// checkLogitsWidth fails when the last logits dimension is static and differs from
// numLabels. The classification head is part of the graph and is never resized.
func checkLogitsWidth(dims []int, numLabels int) error {
	if len(dims) == 0 {
		return fmt.Errorf("logits output has no dimensions")
	}
	width := dims[len(dims)-1]
	if width != onnx.DynamicDim && width != numLabels {
		return fmt.Errorf("classification head has %d outputs but %d labels were given", width, numLabels)
	}
	return nil
}

// logitsGraph returns the [batch, num_labels] logits for int64 [batch, seq] inputs.
func (c *classifier) logitsGraph(ctx *context.Context, inputIds, attentionMask *Node) *Node {
	inputs := map[string]*Node{
		"input_ids":      inputIds,
		"attention_mask": attentionMask,
	}
	if c.tokenTypes {
		inputs["token_type_ids"] = ZerosLike(inputIds)
	}
	return c.model.CallGraph(ctx, inputIds.Graph(), inputs, c.logitsName)[0]
}

// restore overwrites the imported weights with the latest snapshot saved under
// dir/CheckpointSubdir.
func (c *classifier) restore(dir string) error {
	snapshot := filepath.Join(dir, CheckpointSubdir)
	if _, err := checkpoints.Load(c.ctx).Dir(snapshot).Immediate().Done(); err != nil {
		return errors.Wrapf(ErrNoCheckpoint, "%s: %v", snapshot, err)
	}
	return nil
}

func (c *classifier) close() {
	closeModel(c.model)
}

func closeModel(model onnx.Model) {
	if err := model.Close(); err != nil {
		slog.Error("error closing onnx model", "error", err)
	}
}

// guard turns a panic raised while building or running a gomlx graph into an error.
func guard(err *error, msg string) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(error); ok {
		*err = errors.Wrap(e, msg)
	} else {
		*err = errors.Errorf("%s: %v", msg, r)
	}
}
