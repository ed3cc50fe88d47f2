//go:build !windows

package core

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"

	"sentiment-backend/internal/core/types"
	"sentiment-backend/internal/dataset"

	ort "github.com/yalue/onnxruntime_go"
)

var supportedOnnxInputs = []string{"input_ids", "attention_mask", "token_type_ids"}

// OnnxModel bundles an ONNX Runtime session with the tokenizer it was exported with, so
// the pair is always loaded and released together.
type OnnxModel struct {
	session   *ort.DynamicAdvancedSession
	tokenizer dataset.Encoder
	inputs    []string
	labels    []string
	maxLength int
	padId     int64
}

func onnxIONames(modelPath string) ([]string, string, error) {
	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, "", fmt.Errorf("error reading model io info: %w", err)
	}

	inputs := make([]string, 0, len(inputsInfo))
	for _, info := range inputsInfo {
		if !slices.Contains(supportedOnnxInputs, info.Name) {
			return nil, "", fmt.Errorf("unsupported model input '%s'", info.Name)
		}
		inputs = append(inputs, info.Name)
	}
	if !slices.Contains(inputs, "input_ids") {
		return nil, "", fmt.Errorf("model has no input_ids input")
	}

	if len(outputsInfo) == 0 {
		return nil, "", fmt.Errorf("model has no outputs")
	}
	output := outputsInfo[0].Name
	for _, info := range outputsInfo {
		if info.Name == "logits" {
			output = info.Name
		}
	}

	return inputs, output, nil
}

func LoadOnnxModel(modelDir string) (*OnnxModel, error) {
	cfg, err := types.LoadModelConfig(modelDir)
	if err != nil {
		return nil, err
	}

	modelPath := filepath.Join(modelDir, types.ModelFile)
	inputs, output, err := onnxIONames(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error inspecting %s: %w", modelPath, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("error setting intra op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, []string{output}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	tk, err := dataset.LoadTokenizer(modelDir)
	if err != nil {
		session.Destroy()
		return nil, err
	}

	slog.Info("loaded onnx model", "model_dir", modelDir, "inputs", inputs, "output", output, "labels", cfg.Labels(), "max_length", cfg.SequenceLength())

	return &OnnxModel{
		session:   session,
		tokenizer: tk,
		inputs:    inputs,
		labels:    cfg.Labels(),
		maxLength: cfg.SequenceLength(),
		padId:     cfg.PadTokenId,
	}, nil
}

func (m *OnnxModel) Logits(text string) ([]float32, error) {
	// Same fixed length as training and the checkpoint scorer, so logits match.
	enc := dataset.FixLength(m.tokenizer.Encode(text), m.maxLength, m.padId)

	B, L, N := int64(1), int64(enc.Len()), int64(len(m.labels))
	shape := ort.NewShape(B, L)

	inputs := make([]ort.Value, 0, len(m.inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()

	for _, name := range m.inputs {
		var data []int64
		switch name {
		case "input_ids":
			data = enc.InputIDs
		case "attention_mask":
			data = enc.AttentionMask
		case "token_type_ids":
			data = make([]int64, L)
		}
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("error creating %s tensor: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(B, N))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := m.session.Run(inputs, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	return slices.Clone(outT.GetData()), nil
}

func (m *OnnxModel) Predict(text string) ([]Prediction, error) {
	logits, err := m.Logits(text)
	if err != nil {
		return nil, err
	}

	pred, err := TopPrediction(logits, m.labels)
	if err != nil {
		return nil, err
	}
	return []Prediction{pred}, nil
}

func (m *OnnxModel) Labels() []string {
	return m.labels
}

func (m *OnnxModel) Release() {
	m.session.Destroy()
	m.tokenizer.Close()
}
