package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sentiment-backend/internal/core"
	"sentiment-backend/internal/database"
	"sentiment-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const WelcomeMessage = "Welcome to the sentiment analysis API"

type InferenceService struct {
	service   *core.Service
	db        *gorm.DB
	artifacts *core.ArtifactSync

	// modelRoots bound the directories /reload_model?model_dir= may load from.
	modelRoots []string
}

// NewInferenceService exposes service over HTTP. db and artifacts are optional; without
// them the registry endpoints and reloading by model id are unavailable.
func NewInferenceService(service *core.Service, db *gorm.DB, artifacts *core.ArtifactSync) *InferenceService {
	return &InferenceService{service: service, db: db, artifacts: artifacts}
}

// WithModelRoots allows reloading by model_dir from directories inside roots. Without
// roots only reloads by model id or of the current directory are accepted.
func (s *InferenceService) WithModelRoots(roots ...string) *InferenceService {
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			slog.Warn("ignoring model root", "root", root, "error", err)
			continue
		}
		s.modelRoots = append(s.modelRoots, abs)
		if resolved, err := filepath.EvalSymlinks(abs); err == nil && resolved != abs {
			s.modelRoots = append(s.modelRoots, resolved)
		}
	}
	return s
}

func withinRoots(dir string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, dir)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// checkModelDir returns the absolute form of a requested model dir once it is known to
// exist inside the model roots. Symlinks are followed before the second check.
func (s *InferenceService) checkModelDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil || !withinRoots(abs, s.modelRoots) {
		return "", CodedErrorf(http.StatusForbidden, "model dir '%s' is outside the allowed model roots", dir)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", CodedErrorf(http.StatusNotFound, "model dir '%s' not found", dir)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil || !withinRoots(resolved, s.modelRoots) {
		return "", CodedErrorf(http.StatusForbidden, "model dir '%s' is outside the allowed model roots", dir)
	}
	return abs, nil
}

func (s *InferenceService) AddRoutes(r chi.Router) {
	r.Get("/", RestHandler(s.Root))
	r.Get("/health", RestHandler(s.Health))
	r.Post("/predict", s.Predict)
	r.Post("/sentiment", s.Predict)
	r.Get("/reload_model", RestHandler(s.ReloadModel))
	r.Get("/models", RestHandler(s.ListModels))
	r.Get("/runs/{run_id}", RestHandler(s.GetRun))
}

type RouterOptions struct {
	AllowedOrigins []string
	Timeout        time.Duration
}

func NewRouter(s *InferenceService, opts RouterOptions) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))

	s.AddRoutes(r)

	return r
}

func (s *InferenceService) Root(r *http.Request) (any, error) {
	return api.MessageResponse{Message: WelcomeMessage}, nil
}

type predictRequest struct {
	Text *string `json:"text"`
}

// Predict answers 200 with {label, score, time_taken} or 500 with {error}. Scoring
// failures never escape as anything else.
func (s *InferenceService) Predict(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest[predictRequest](r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if req.Text == nil {
		WriteError(w, CodedErrorf(http.StatusBadRequest, "text is required"))
		return
	}

	outcome := s.service.Score(r.Context(), *req.Text)
	if !outcome.IsOk() {
		WriteJsonResponse(w, http.StatusInternalServerError, outcome)
		return
	}
	WriteJsonResponse(w, http.StatusOK, outcome)
}

func (s *InferenceService) Health(r *http.Request) (any, error) {
	current, err := s.service.Current()
	if err != nil {
		return nil, CodedError(http.StatusServiceUnavailable, err)
	}

	return api.HealthResponse{
		Status:   "ok",
		Version:  current.Version,
		ModelDir: current.ModelDir,
		LoadedAt: current.LoadedAt,
		Labels:   current.Labels,
	}, nil
}

func (s *InferenceService) ReloadModel(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ReloadParams](r)
	if err != nil {
		return nil, err
	}

	if params.ModelDir != "" && params.ModelId != "" {
		return nil, CodedErrorf(http.StatusBadRequest, "only one of model_dir and model_id may be specified")
	}

	modelDir := params.ModelDir
	if params.ModelId != "" {
		modelDir, err = s.resolveModelId(r, params.ModelId)
		if err != nil {
			return nil, err
		}
	} else if modelDir != "" {
		modelDir, err = s.checkModelDir(modelDir)
		if err != nil {
			return nil, err
		}
	}

	info, err := s.service.Reload(r.Context(), modelDir)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	return api.ReloadResponse{
		Status:   "reloaded",
		Version:  info.Version,
		ModelDir: info.ModelDir,
		LoadedAt: info.LoadedAt,
	}, nil
}

func (s *InferenceService) resolveModelId(r *http.Request, param string) (string, error) {
	if s.db == nil {
		return "", CodedErrorf(http.StatusServiceUnavailable, "model registry is not configured")
	}

	modelId, err := uuid.Parse(param)
	if err != nil {
		return "", CodedErrorf(http.StatusBadRequest, "invalid model_id '%s': %w", param, err)
	}

	model, err := database.GetModel(r.Context(), s.db, modelId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", CodedErrorf(http.StatusNotFound, "model %s not found", modelId)
		}
		return "", CodedError(http.StatusInternalServerError, err)
	}

	if model.Status != database.ModelExported {
		return "", CodedErrorf(http.StatusConflict, "model %s has status %s, only exported models can be served", modelId, model.Status)
	}

	if model.LocalDir != "" {
		if _, err := os.Stat(model.LocalDir); err == nil {
			return model.LocalDir, nil
		}
	}

	if !model.StoragePrefix.Valid || s.artifacts == nil {
		return "", CodedErrorf(http.StatusNotFound, "artifact for model %s is not available on this server", modelId)
	}

	dir, err := s.artifacts.Fetch(r.Context(), model.StorageBucket.String, model.StoragePrefix.String)
	if err != nil {
		slog.Error("error fetching artifact", "model_id", modelId, "error", err)
		return "", CodedError(http.StatusBadGateway, err)
	}
	return dir, nil
}

func (s *InferenceService) ListModels(r *http.Request) (any, error) {
	if s.db == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "model registry is not configured")
	}

	params, err := ParseRequestQueryParams[api.ListModelsParams](r)
	if err != nil {
		return nil, err
	}

	models, err := database.ListModels(r.Context(), s.db, params.Status)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	return convertModels(models), nil
}

func (s *InferenceService) GetRun(r *http.Request) (any, error) {
	if s.db == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "model registry is not configured")
	}

	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := database.GetTrainingRun(r.Context(), s.db, runId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "training run %s not found", runId)
		}
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	return convertRun(run), nil
}
