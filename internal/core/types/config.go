package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const (
	ModelFile  = "model.onnx"
	ConfigFile = "config.json"

	DefaultMaxLength    = 128
	DefaultMaxPositions = 512
	DefaultNumLabels    = 2
)

// TokenizerFiles are the tokenizer assets that travel with a model directory. Only
// tokenizer.json is required, the rest are copied when present.
var TokenizerFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"vocab.txt",
	"vocab.json",
	"merges.txt",
	"added_tokens.json",
}

var DefaultLabels = []string{"NEGATIVE", "POSITIVE"}

// ModelConfig is the subset of a transformers config.json this backend reads and
// writes. Unknown keys are preserved across Save.
type ModelConfig struct {
	NumLabels     int               `json:"num_labels,omitempty"`
	Id2Label      map[string]string `json:"id2label,omitempty"`
	Label2Id      map[string]int    `json:"label2id,omitempty"`
	PadTokenId    int64             `json:"pad_token_id"`
	MaxLength     int               `json:"max_length,omitempty"`
	MaxPositions  int               `json:"max_position_embeddings,omitempty"`
	ProblemType   string            `json:"problem_type,omitempty"`
	Architectures []string          `json:"architectures,omitempty"`

	extra map[string]json.RawMessage
}

var knownConfigKeys = []string{
	"num_labels", "id2label", "label2id", "pad_token_id", "max_length",
	"max_position_embeddings", "problem_type", "architectures",
}

func LoadModelConfig(dir string) (ModelConfig, error) {
	path := filepath.Join(dir, ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ModelConfig{}, fmt.Errorf("model config %s not found: %w", path, err)
		}
		return ModelConfig{}, fmt.Errorf("error reading model config %s: %w", path, err)
	}

	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("error parsing model config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg.extra); err != nil {
		return ModelConfig{}, fmt.Errorf("error parsing model config %s: %w", path, err)
	}
	for _, key := range knownConfigKeys {
		delete(cfg.extra, key)
	}

	return cfg, nil
}

func (c ModelConfig) Save(dir string) error {
	known, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("error encoding model config: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(c.extra)+len(knownConfigKeys))
	for k, v := range c.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return fmt.Errorf("error encoding model config: %w", err)
	}
	for k, v := range fields {
		merged[k] = v
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding model config: %w", err)
	}

	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing model config %s: %w", path, err)
	}
	return nil
}

// Labels returns the label names ordered by class id. Missing names fall back to
// DefaultLabels for binary models and LABEL_<i> otherwise.
func (c ModelConfig) Labels() []string {
	n := c.NumLabels
	if n == 0 {
		n = len(c.Id2Label)
	}
	if n == 0 {
		n = DefaultNumLabels
	}

	labels := make([]string, n)
	for i := range labels {
		if name, ok := c.Id2Label[strconv.Itoa(i)]; ok && name != "" {
			labels[i] = name
		} else if n == len(DefaultLabels) {
			labels[i] = DefaultLabels[i]
		} else {
			labels[i] = fmt.Sprintf("LABEL_%d", i)
		}
	}
	return labels
}

// SequenceLength is the fixed number of tokens every input is truncated or padded to.
// It is the length the model was trained with, falling back to the position embedding
// size for configs written outside of training.
func (c ModelConfig) SequenceLength() int {
	switch {
	case c.MaxLength > 0:
		return c.MaxLength
	case c.MaxPositions > 0:
		return c.MaxPositions
	default:
		return DefaultMaxPositions
	}
}

// WithLabels sets the classification head metadata to the given names.
func (c ModelConfig) WithLabels(labels []string) ModelConfig {
	c.NumLabels = len(labels)
	c.Id2Label = make(map[string]string, len(labels))
	c.Label2Id = make(map[string]int, len(labels))
	for i, name := range labels {
		c.Id2Label[strconv.Itoa(i)] = name
		c.Label2Id[name] = i
	}
	if c.ProblemType == "" {
		c.ProblemType = "single_label_classification"
	}
	return c
}

// HasGenericLabels reports whether id2label only carries LABEL_<i> placeholders.
func (c ModelConfig) HasGenericLabels() bool {
	if len(c.Id2Label) == 0 {
		return true
	}
	for k, name := range c.Id2Label {
		if name != "LABEL_"+k {
			return false
		}
	}
	return true
}
