package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	backend "sentiment-backend/internal/api"
	"sentiment-backend/internal/core"
	"sentiment-backend/internal/database"
	"sentiment-backend/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type keywordModel struct {
	dir string
}

func (m *keywordModel) Predict(text string) ([]core.Prediction, error) {
	if text == "explode" {
		return nil, errors.New("model exploded")
	}
	if strings.Contains(strings.ToLower(text), "love") {
		return []core.Prediction{{Label: "POSITIVE", Score: 0.99}}, nil
	}
	return []core.Prediction{{Label: "NEGATIVE", Score: 0.8}}, nil
}

func (m *keywordModel) Logits(string) ([]float32, error) { return []float32{0, 1}, nil }

func (m *keywordModel) Labels() []string { return []string{"NEGATIVE", "POSITIVE"} }

func (m *keywordModel) Release() {}

func keywordLoader(dir string) (core.Model, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, "broken")); err == nil {
		return nil, errors.New("corrupt model")
	}
	return &keywordModel{dir: dir}, nil
}

func setupRouter(t *testing.T, db *gorm.DB) (http.Handler, *core.Service, string) {
	dir := t.TempDir()
	service, err := core.NewService(keywordLoader, dir)
	require.NoError(t, err)
	t.Cleanup(service.Close)

	// Every t.TempDir of a test shares one parent.
	handler := backend.NewInferenceService(service, db, nil).WithModelRoots(filepath.Dir(dir))
	return backend.NewRouter(handler, backend.RouterOptions{}), service, dir
}

func doRequest(router http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRoot(t *testing.T) {
	router, _, _ := setupRouter(t, nil)

	rec := doRequest(router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, backend.WelcomeMessage, decode[api.MessageResponse](t, rec).Message)
}

func TestPredict(t *testing.T) {
	router, _, _ := setupRouter(t, nil)

	for _, path := range []string{"/predict", "/sentiment"} {
		rec := doRequest(router, http.MethodPost, path, `{"text": "I love this movie"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		res := decode[map[string]any](t, rec)
		assert.Equal(t, "POSITIVE", res["label"])
		assert.InDelta(t, 0.99, res["score"], 1e-6)
		assert.Contains(t, res, "time_taken")
		assert.NotContains(t, res, "error")
	}

	rec := doRequest(router, http.MethodPost, "/predict", `{"text": ""}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NEGATIVE", decode[map[string]any](t, rec)["label"])
}

func TestPredictErrors(t *testing.T) {
	router, _, _ := setupRouter(t, nil)

	rec := doRequest(router, http.MethodPost, "/predict", `{"text": "explode"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"error": "model exploded"}, decode[map[string]any](t, rec))

	rec = doRequest(router, http.MethodPost, "/predict", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)

	rec = doRequest(router, http.MethodPost, "/predict", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "text is required", decode[api.ErrorResponse](t, rec).Error)
}

func TestReloadModel(t *testing.T) {
	router, service, initialDir := setupRouter(t, nil)

	rec := doRequest(router, http.MethodGet, "/reload_model", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode[api.ReloadResponse](t, rec)
	assert.Equal(t, "reloaded", res.Status)
	assert.EqualValues(t, 2, res.Version)
	assert.Equal(t, initialDir, res.ModelDir)

	newDir := t.TempDir()
	rec = doRequest(router, http.MethodGet, "/reload_model?model_dir="+newDir, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, newDir, decode[api.ReloadResponse](t, rec).ModelDir)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_dir="+filepath.Join(newDir, "missing"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	brokenDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(brokenDir, "broken"), nil, 0644))
	rec = doRequest(router, http.MethodGet, "/reload_model?model_dir="+brokenDir, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Error, "corrupt model")

	// The failed reload left the previous model serving.
	current, err := service.Current()
	require.NoError(t, err)
	assert.Equal(t, newDir, current.ModelDir)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_dir=a&model_id=b", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_id="+uuid.NewString(), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReloadModelRejectsDirsOutsideRoots(t *testing.T) {
	router, service, initialDir := setupRouter(t, nil)

	outside, err := os.MkdirTemp("", "outside-roots")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(outside) })

	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(outside, link))

	for _, dir := range []string{
		outside,
		"/does/not/exist",
		link,
		initialDir + "/../../" + filepath.Base(outside),
	} {
		rec := doRequest(router, http.MethodGet, "/reload_model?model_dir="+dir, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, dir)
	}

	current, err := service.Current()
	require.NoError(t, err)
	assert.Equal(t, initialDir, current.ModelDir)
	assert.EqualValues(t, 1, current.Version)
}

func TestReloadModelByDirDisabledWithoutRoots(t *testing.T) {
	dir := t.TempDir()
	service, err := core.NewService(keywordLoader, dir)
	require.NoError(t, err)
	defer service.Close()
	router := backend.NewRouter(backend.NewInferenceService(service, nil, nil), backend.RouterOptions{})

	rec := doRequest(router, http.MethodGet, "/reload_model?model_dir="+t.TempDir(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(router, http.MethodGet, "/reload_model", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReloadModelById(t *testing.T) {
	artifactDir := t.TempDir()
	exported := &database.Model{
		Id: uuid.New(), Name: "onnx", Type: database.ModelTypeOnnx, Status: database.ModelExported,
		LocalDir: artifactDir, CreationTime: time.Now(),
	}
	training := &database.Model{
		Id: uuid.New(), Name: "finetuned", Type: database.ModelTypeCheckpoint, Status: database.ModelTraining,
		LocalDir: t.TempDir(), CreationTime: time.Now(),
	}
	remote := &database.Model{
		Id: uuid.New(), Name: "remote", Type: database.ModelTypeOnnx, Status: database.ModelExported,
		LocalDir: "/not/on/this/host", CreationTime: time.Now(),
		StorageBucket: sql.NullString{String: "models", Valid: true},
		StoragePrefix: sql.NullString{String: "artifacts/remote", Valid: true},
	}
	db := createDB(t, exported, training, remote)
	router, _, _ := setupRouter(t, db)

	rec := doRequest(router, http.MethodGet, "/reload_model?model_id="+exported.Id.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, artifactDir, decode[api.ReloadResponse](t, rec).ModelDir)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_id="+training.Id.String(), "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_id="+remote.Id.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_id="+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodGet, "/reload_model?model_id=not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	router, service, dir := setupRouter(t, nil)

	rec := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode[api.HealthResponse](t, rec)
	assert.Equal(t, "ok", res.Status)
	assert.EqualValues(t, 1, res.Version)
	assert.Equal(t, dir, res.ModelDir)
	assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, res.Labels)

	service.Close()
	rec = doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListModels(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	db := createDB(t,
		&database.Model{Id: id1, Name: "finetuned", Type: database.ModelTypeCheckpoint, Status: database.ModelTrained, Labels: "NEGATIVE,POSITIVE", CreationTime: time.Now().Add(-time.Hour)},
		&database.Model{Id: id2, Name: "onnx", Type: database.ModelTypeOnnx, Status: database.ModelExported, BaseModelId: uuid.NullUUID{UUID: id1, Valid: true}, CreationTime: time.Now()},
	)
	router, _, _ := setupRouter(t, db)

	rec := doRequest(router, http.MethodGet, "/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	models := decode[[]api.Model](t, rec)
	require.Len(t, models, 2)
	assert.Equal(t, id2, models[0].Id)
	require.NotNil(t, models[0].BaseModelId)
	assert.Equal(t, id1, *models[0].BaseModelId)
	assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, models[1].Labels)

	rec = doRequest(router, http.MethodGet, "/models?status="+database.ModelExported, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	models = decode[[]api.Model](t, rec)
	require.Len(t, models, 1)
	assert.Equal(t, "onnx", models[0].Name)

	router, _, _ = setupRouter(t, nil)
	rec = doRequest(router, http.MethodGet, "/models", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRun(t *testing.T) {
	modelId, runId := uuid.New(), uuid.New()
	db := createDB(t,
		&database.Model{Id: modelId, Name: "finetuned", Type: database.ModelTypeCheckpoint, Status: database.ModelTrained, CreationTime: time.Now()},
		&database.TrainingRun{
			Id: runId, ModelId: modelId, Project: "sent-clf finetuning", Name: "fine run", Status: database.JobCompleted,
			Hyperparameters: datatypes.JSON(`{"epochs": 5}`), TotalSteps: 2,
			BestLoss: sql.NullFloat64{Float64: 0.4, Valid: true}, CreationTime: time.Now(),
		},
		&database.StepMetric{RunId: runId, Step: 1, Loss: 0.4, Checkpointed: true},
		&database.StepMetric{RunId: runId, Step: 0, Loss: 0.7, Checkpointed: true},
	)
	router, _, _ := setupRouter(t, db)

	rec := doRequest(router, http.MethodGet, "/runs/"+runId.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	run := decode[api.TrainingRun](t, rec)
	assert.Equal(t, runId, run.Id)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.EqualValues(t, 5, run.Hyperparameters["epochs"])
	require.NotNil(t, run.BestLoss)
	assert.InDelta(t, 0.4, *run.BestLoss, 1e-9)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, 0, run.Steps[0].Step)
	assert.Equal(t, 1, run.Steps[1].Step)

	rec = doRequest(router, http.MethodGet, "/runs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodGet, "/runs/bad-id", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCors(t *testing.T) {
	router, _, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
