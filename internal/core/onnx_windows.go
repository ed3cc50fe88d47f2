//go:build windows

package core

import (
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

type OnnxModel struct{}

func LoadOnnxModel(modelDir string) (*OnnxModel, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Logits(text string) ([]float32, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Predict(text string) ([]Prediction, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Labels() []string {
	return nil
}

func (m *OnnxModel) Release() {}
