package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

var ErrMissingAPIKey = errors.New("tracker api key is not set")

// HTTPTracker reports runs to a remote experiment tracking service:
//
//	POST /api/runs                   RunInfo
//	POST /api/runs/{run_id}/steps    StepLog
//	POST /api/runs/{run_id}/finish   {"status": ...}
type HTTPTracker struct {
	client *resty.Client
	runId  uuid.UUID
}

var _ Tracker = (*HTTPTracker)(nil)

func NewHTTPTracker(baseURL, apiKey string) (*HTTPTracker, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)

	return &HTTPTracker{client: client}, nil
}

func (t *HTTPTracker) post(ctx context.Context, endpoint string, body any) error {
	res, err := t.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		slog.Error("unable to reach experiment tracker", "endpoint", endpoint, "error", err)
		return fmt.Errorf("error sending request to tracker: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("experiment tracker returned error", "endpoint", endpoint, "status_code", res.StatusCode(), "body", res.String())
		return fmt.Errorf("tracker returned status %d for %s", res.StatusCode(), endpoint)
	}

	return nil
}

func (t *HTTPTracker) Start(ctx context.Context, run RunInfo) error {
	t.runId = run.RunId
	return t.post(ctx, "/api/runs", run)
}

func (t *HTTPTracker) Log(ctx context.Context, step StepLog) error {
	return t.post(ctx, fmt.Sprintf("/api/runs/%s/steps", t.runId), step)
}

func (t *HTTPTracker) Finish(ctx context.Context, status string) error {
	return t.post(ctx, fmt.Sprintf("/api/runs/%s/finish", t.runId), map[string]string{"status": status})
}
