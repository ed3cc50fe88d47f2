package core

import (
	"encoding/json"
)

type InferenceResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	// TimeTaken is the scoring latency in milliseconds.
	TimeTaken float64 `json:"time_taken"`
}

type ErrorInfo struct {
	Error string `json:"error"`
}

// ScoreOutcome holds either an InferenceResult or an ErrorInfo, never both.
type ScoreOutcome struct {
	result *InferenceResult
	err    *ErrorInfo
}

func Ok(result InferenceResult) ScoreOutcome {
	return ScoreOutcome{result: &result}
}

func Fail(err error) ScoreOutcome {
	return ScoreOutcome{err: &ErrorInfo{Error: err.Error()}}
}

func (o ScoreOutcome) IsOk() bool {
	return o.result != nil
}

func (o ScoreOutcome) Result() (InferenceResult, bool) {
	if o.result == nil {
		return InferenceResult{}, false
	}
	return *o.result, true
}

func (o ScoreOutcome) ErrorInfo() (ErrorInfo, bool) {
	if o.err == nil {
		return ErrorInfo{}, false
	}
	return *o.err, true
}

func (o ScoreOutcome) MarshalJSON() ([]byte, error) {
	if o.result != nil {
		return json.Marshal(o.result)
	}
	if o.err != nil {
		return json.Marshal(o.err)
	}
	return json.Marshal(ErrorInfo{Error: "empty score outcome"})
}
