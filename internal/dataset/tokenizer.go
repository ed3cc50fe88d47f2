package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TypeIDs       []int64
	// SpecialTokensMask marks special tokens with 1, truncation keeps trailing ones.
	SpecialTokensMask []int64
}

func (e Encoding) Len() int {
	return len(e.InputIDs)
}

type Encoder interface {
	// Encode tokenizes text with the model's special tokens added.
	Encode(text string) Encoding

	Close() error
}

// Truncate cuts the encoding to maxLength tokens while keeping any trailing special
// tokens (for example [SEP]) at the end of the sequence. maxLength <= 0 disables it.
func Truncate(enc Encoding, maxLength int) Encoding {
	n := enc.Len()
	if maxLength <= 0 || n <= maxLength {
		return enc
	}

	trailing := 0
	if len(enc.SpecialTokensMask) == n {
		for i := n - 1; i >= 0 && enc.SpecialTokensMask[i] == 1 && trailing < maxLength; i-- {
			trailing++
		}
	}
	head := maxLength - trailing

	cut := func(s []int64) []int64 {
		if len(s) != n {
			return s
		}
		out := make([]int64, 0, maxLength)
		out = append(out, s[:head]...)
		return append(out, s[n-trailing:]...)
	}

	return Encoding{
		InputIDs:          cut(enc.InputIDs),
		AttentionMask:     cut(enc.AttentionMask),
		TypeIDs:           cut(enc.TypeIDs),
		SpecialTokensMask: cut(enc.SpecialTokensMask),
	}
}

// Pad right-pads the encoding to length with padId and a zero attention mask.
func Pad(enc Encoding, length int, padId int64) Encoding {
	n := enc.Len()
	if n >= length {
		return enc
	}

	pad := func(s []int64, value int64) []int64 {
		out := make([]int64, length)
		copy(out, s)
		for i := len(s); i < length; i++ {
			out[i] = value
		}
		return out
	}

	mask := enc.AttentionMask
	if len(mask) != n {
		mask = ones(n)
	}

	return Encoding{
		InputIDs:          pad(enc.InputIDs, padId),
		AttentionMask:     pad(mask, 0),
		TypeIDs:           pad(enc.TypeIDs, 0),
		SpecialTokensMask: pad(enc.SpecialTokensMask, 1),
	}
}

// FixLength applies truncation followed by max-length padding.
func FixLength(enc Encoding, maxLength int, padId int64) Encoding {
	return Pad(Truncate(enc, maxLength), maxLength, padId)
}

func ones(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

type Tokenizer struct {
	tk *tokenizers.Tokenizer
}

var _ Encoder = (*Tokenizer)(nil)

// LoadTokenizer opens the tokenizer.json stored in a model directory.
func LoadTokenizer(modelDir string) (*Tokenizer, error) {
	path := filepath.Join(modelDir, "tokenizer.json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tokenizer not found in %s: %w", modelDir, err)
	}

	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer load: %w", err)
	}
	return &Tokenizer{tk: tk}, nil
}

func (t *Tokenizer) Encode(text string) Encoding {
	enc := t.tk.EncodeWithOptions(text, true,
		tokenizers.WithReturnAttentionMask(),
		tokenizers.WithReturnTypeIDs(),
		tokenizers.WithReturnSpecialTokensMask(),
	)

	return Encoding{
		InputIDs:          toInt64(enc.IDs),
		AttentionMask:     toInt64(enc.AttentionMask),
		TypeIDs:           toInt64(enc.TypeIDs),
		SpecialTokensMask: toInt64(enc.SpecialTokensMask),
	}
}

func (t *Tokenizer) Close() error {
	return t.tk.Close()
}

func toInt64(values []uint32) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
