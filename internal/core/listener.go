package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"sentiment-backend/internal/messaging"
)

// EventListener reloads the service whenever a new artifact is announced.
type EventListener struct {
	service  *Service
	receiver messaging.Receiver
	sync     *ArtifactSync
}

// NewEventListener creates a listener. sync may be nil if every artifact is reachable
// on the local filesystem.
func NewEventListener(service *Service, receiver messaging.Receiver, sync *ArtifactSync) *EventListener {
	return &EventListener{service: service, receiver: receiver, sync: sync}
}

// Run handles events until ctx is cancelled or the receiver is closed.
func (l *EventListener) Run(ctx context.Context) {
	slog.Info("listening for model events")

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping model event listener")
			return
		case task, ok := <-l.receiver.Tasks():
			if !ok {
				slog.Info("model event stream closed")
				return
			}
			l.process(ctx, task)
		}
	}
}

func (l *EventListener) process(ctx context.Context, task messaging.Task) {
	if task.Type() != messaging.ModelExportedTask {
		slog.Warn("ignoring unknown model event", "type", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "error", err)
		}
		return
	}

	var payload messaging.ModelExportedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error parsing model exported payload", "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "error", err)
		}
		return
	}

	info, err := l.handleModelExported(ctx, payload)
	if err != nil {
		slog.Error("error reloading exported model", "model_id", payload.ModelId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error nacking task", "error", err)
		}
		return
	}

	slog.Info("reloaded exported model", "model_id", payload.ModelId, "version", info.Version, "model_dir", info.ModelDir)
	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "error", err)
	}
}

func (l *EventListener) handleModelExported(ctx context.Context, payload messaging.ModelExportedPayload) (UnitInfo, error) {
	dir := payload.ModelDir

	if _, err := os.Stat(dir); dir == "" || err != nil {
		if l.sync == nil || payload.StoragePrefix == "" {
			return UnitInfo{}, fmt.Errorf("artifact %q is not available locally and has no storage location", dir)
		}

		dir, err = l.sync.Fetch(ctx, payload.StorageBucket, payload.StoragePrefix)
		if err != nil {
			return UnitInfo{}, err
		}
	}

	return l.service.Reload(ctx, dir)
}
