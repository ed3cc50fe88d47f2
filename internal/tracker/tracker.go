package tracker

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

type RunInfo struct {
	RunId   uuid.UUID      `json:"run_id"`
	ModelId uuid.UUID      `json:"model_id"`
	Project string         `json:"project"`
	Name    string         `json:"name"`
	Data    string         `json:"data"`
	Config  map[string]any `json:"config"`
	Steps   int            `json:"total_steps"`
}

type StepLog struct {
	Step         int     `json:"Step"`
	Epoch        int     `json:"Epoch"`
	Loss         float64 `json:"Loss"`
	Accuracy     float64 `json:"Accuracy"`
	LearningRate float64 `json:"LearningRate"`
	Checkpointed bool    `json:"Checkpointed"`
}

// Tracker receives experiment metrics while a model trains.
type Tracker interface {
	Start(ctx context.Context, run RunInfo) error

	Log(ctx context.Context, step StepLog) error

	Finish(ctx context.Context, status string) error
}

type Noop struct{}

func (Noop) Start(context.Context, RunInfo) error { return nil }

func (Noop) Log(context.Context, StepLog) error { return nil }

func (Noop) Finish(context.Context, string) error { return nil }

// Multi forwards every call to all trackers in order, stopping at the first error.
// Finish is always delivered to every tracker and the errors are joined.
type Multi []Tracker

func (m Multi) Start(ctx context.Context, run RunInfo) error {
	for _, t := range m {
		if err := t.Start(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Log(ctx context.Context, step StepLog) error {
	for _, t := range m {
		if err := t.Log(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Finish(ctx context.Context, status string) error {
	var errs []error
	for _, t := range m {
		if err := t.Finish(ctx, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
