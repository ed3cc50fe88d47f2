package core

import (
	"fmt"
	"math"
)

// Softmax converts logits to probabilities using the max-subtraction trick so large
// logits do not overflow.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float32, len(logits))
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxLogit))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

func TopPrediction(logits []float32, labels []string) (Prediction, error) {
	if len(logits) == 0 {
		return Prediction{}, fmt.Errorf("model returned no logits")
	}
	if len(logits) != len(labels) {
		return Prediction{}, fmt.Errorf("model returned %d logits for %d labels", len(logits), len(labels))
	}

	probs := Softmax(logits)
	best := 0
	for i, p := range probs {
		if math.IsNaN(float64(p)) {
			return Prediction{}, fmt.Errorf("model returned non-finite logits %v", logits)
		}
		if p > probs[best] {
			best = i
		}
	}

	return Prediction{Label: labels[best], Score: probs[best]}, nil
}
