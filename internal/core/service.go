package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrModelNotLoaded = errors.New("no model is loaded")

type UnitInfo struct {
	Version  int64
	ModelDir string
	LoadedAt time.Time
	Labels   []string
}

// servingUnit is an immutable model handle. Requests hold a reference while scoring and
// the model is released once the unit is retired and the last reference is dropped.
type servingUnit struct {
	model Model
	info  UnitInfo

	refs     atomic.Int64
	retired  atomic.Bool
	released sync.Once
}

func (u *servingUnit) release() {
	u.released.Do(func() {
		u.model.Release()
		slog.Info("released model", "version", u.info.Version, "model_dir", u.info.ModelDir)
	})
}

type Service struct {
	loader  ModelLoader
	current atomic.Pointer[servingUnit]

	reloadMu   sync.Mutex
	version    int64
	defaultDir string
}

func NewService(loader ModelLoader, modelDir string) (*Service, error) {
	s := &Service{loader: loader, defaultDir: modelDir}

	if _, err := s.Reload(context.Background(), modelDir); err != nil {
		return nil, fmt.Errorf("error loading initial model: %w", err)
	}

	return s, nil
}

func (s *Service) acquire() (*servingUnit, error) {
	for {
		u := s.current.Load()
		if u == nil {
			return nil, ErrModelNotLoaded
		}
		u.refs.Add(1)
		// The unit may have been swapped out between Load and Add, in which case the
		// retiring side could already have released it.
		if s.current.Load() == u {
			return u, nil
		}
		s.drop(u)
	}
}

func (s *Service) drop(u *servingUnit) {
	if u.refs.Add(-1) == 0 && u.retired.Load() {
		u.release()
	}
}

func (s *Service) retire(u *servingUnit) {
	u.retired.Store(true)
	if u.refs.Load() == 0 {
		u.release()
	}
}

func predictSafe(model Model, text string) (preds []Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return model.Predict(text)
}

// Score runs the current model on text. Failures are reported through the returned
// outcome rather than an error so every caller gets the same shape.
func (s *Service) Score(ctx context.Context, text string) ScoreOutcome {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Fail(fmt.Errorf("request cancelled: %w", err))
	}

	unit, err := s.acquire()
	if err != nil {
		return Fail(err)
	}
	defer s.drop(unit)

	preds, err := predictSafe(unit.model, text)
	if err != nil {
		slog.Error("error running model", "version", unit.info.Version, "error", err)
		return Fail(err)
	}
	if len(preds) != 1 {
		return Fail(fmt.Errorf("expected exactly one prediction, got %d", len(preds)))
	}

	elapsed := time.Since(start)

	return Ok(InferenceResult{
		Label:     preds[0].Label,
		Score:     float64(preds[0].Score),
		TimeTaken: float64(elapsed.Microseconds()) / 1000,
	})
}

// Reload builds a complete new serving unit from modelDir, or from the directory of the
// last successful load when empty, and publishes it. The previous unit stays current if
// loading fails.
func (s *Service) Reload(ctx context.Context, modelDir string) (UnitInfo, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if modelDir == "" {
		modelDir = s.defaultDir
	}

	if err := ctx.Err(); err != nil {
		return UnitInfo{}, err
	}

	start := time.Now()
	model, err := s.loader(modelDir)
	if err != nil {
		slog.Error("error loading model", "model_dir", modelDir, "error", err)
		return UnitInfo{}, fmt.Errorf("error loading model from %s: %w", modelDir, err)
	}

	s.version++
	s.defaultDir = modelDir
	unit := &servingUnit{
		model: model,
		info: UnitInfo{
			Version:  s.version,
			ModelDir: modelDir,
			LoadedAt: time.Now().UTC(),
			Labels:   model.Labels(),
		},
	}

	if old := s.current.Swap(unit); old != nil {
		s.retire(old)
	}

	slog.Info("model loaded", "version", unit.info.Version, "model_dir", modelDir, "duration", time.Since(start))

	return unit.info, nil
}

func (s *Service) Current() (UnitInfo, error) {
	u := s.current.Load()
	if u == nil {
		return UnitInfo{}, ErrModelNotLoaded
	}
	return u.info, nil
}

func (s *Service) Close() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if old := s.current.Swap(nil); old != nil {
		s.retire(old)
	}
}
