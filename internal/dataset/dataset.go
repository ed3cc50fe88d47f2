package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const DefaultSeed = 42

var ErrDataNotFound = errors.New("data file not found")

type Example struct {
	Text  string
	Label int
}

// ResolvePath looks for name inside dataDir first and falls back to name as given,
// which allows both bare file names and absolute paths.
func ResolvePath(dataDir, name string) (string, error) {
	candidate := filepath.Join(dataDir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	return "", fmt.Errorf("%w: data file %s does not exist, please provide a valid path: %w", ErrDataNotFound, candidate, fs.ErrNotExist)
}

type rawExample struct {
	Text  string          `json:"text"`
	Label json.RawMessage `json:"label"`
}

func parseLabel(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing label")
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if v, err := strconv.Atoi(num.String()); err == nil {
			return v, nil
		}
		f, err := num.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid label %s: %w", raw, err)
		}
		return int(f), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("invalid label %s: %w", raw, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil {
		return 0, fmt.Errorf("invalid label %q: %w", str, err)
	}
	return v, nil
}

func ReadExamples(r io.Reader) ([]Example, error) {
	var examples []Example

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var raw rawExample
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("error parsing line %d: %w", line, err)
		}

		label, err := parseLabel(raw.Label)
		if err != nil {
			return nil, fmt.Errorf("error parsing line %d: %w", line, err)
		}

		examples = append(examples, Example{Text: raw.Text, Label: label})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading examples: %w", err)
	}

	return examples, nil
}

func LoadExamples(path string) ([]Example, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening data file %s: %w", path, err)
	}
	defer file.Close()

	examples, err := ReadExamples(file)
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %w", path, err)
	}

	slog.Info("loaded examples", "path", path, "count", len(examples))
	return examples, nil
}

type Tokenized struct {
	InputIDs      []int64
	AttentionMask []int64
	Label         int32
}

type Batch struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	// Labels has shape [batch, 1], the layout sparse categorical losses expect.
	Labels [][]int32
}

func (b Batch) Size() int {
	return len(b.Labels)
}

type Dataset struct {
	examples []Tokenized
	seqLen   int
}

// New tokenizes every example once, padding or truncating it to maxLength.
func New(examples []Example, enc Encoder, maxLength int, padId int64) *Dataset {
	ds := &Dataset{examples: make([]Tokenized, 0, len(examples)), seqLen: maxLength}
	for _, ex := range examples {
		encoding := FixLength(enc.Encode(ex.Text), maxLength, padId)
		ds.examples = append(ds.examples, Tokenized{
			InputIDs:      encoding.InputIDs,
			AttentionMask: encoding.AttentionMask,
			Label:         int32(ex.Label),
		})
	}
	return ds
}

// Load resolves, reads and tokenizes a JSONL training file.
func Load(path string, enc Encoder, maxLength int, padId int64) (*Dataset, error) {
	examples, err := LoadExamples(path)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("data file %s contains no examples", path)
	}
	return New(examples, enc, maxLength, padId), nil
}

func (d *Dataset) Len() int {
	return len(d.examples)
}

func (d *Dataset) SeqLen() int {
	return d.seqLen
}

func (d *Dataset) Example(i int) Tokenized {
	return d.examples[i]
}

func (d *Dataset) NumBatches(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(d.examples) + batchSize - 1) / batchSize
}

// Batches returns one epoch of batches. When rng is non-nil the examples are visited
// in a fresh random order, otherwise in file order. The final batch may be partial.
func (d *Dataset) Batches(batchSize int, rng *rand.Rand) []Batch {
	if batchSize <= 0 {
		return nil
	}

	order := make([]int, len(d.examples))
	if rng != nil {
		order = rng.Perm(len(d.examples))
	} else {
		for i := range order {
			order[i] = i
		}
	}

	batches := make([]Batch, 0, d.NumBatches(batchSize))
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))

		batch := Batch{
			InputIDs:      make([][]int64, 0, end-start),
			AttentionMask: make([][]int64, 0, end-start),
			Labels:        make([][]int32, 0, end-start),
		}
		for _, idx := range order[start:end] {
			ex := d.examples[idx]
			batch.InputIDs = append(batch.InputIDs, ex.InputIDs)
			batch.AttentionMask = append(batch.AttentionMask, ex.AttentionMask)
			batch.Labels = append(batch.Labels, []int32{ex.Label})
		}
		batches = append(batches, batch)
	}

	return batches
}
