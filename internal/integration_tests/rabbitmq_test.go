package integrationtests

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"sentiment-backend/internal/core"
	"sentiment-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticModel struct {
	label string
}

func (m *staticModel) Predict(string) ([]core.Prediction, error) {
	return []core.Prediction{{Label: m.label, Score: 1}}, nil
}

func (m *staticModel) Logits(string) ([]float32, error) { return []float32{0, 1}, nil }

func (m *staticModel) Labels() []string { return []string{"NEGATIVE", "POSITIVE"} }

func (m *staticModel) Release() {}

func dirLoader(dir string) (core.Model, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.New("model dir missing")
	}
	return &staticModel{label: dir}, nil
}

func TestRabbitMQ(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	payload := messaging.ModelExportedPayload{
		ModelId:    uuid.New(),
		ModelDir:   "/models/onnx",
		Labels:     []string{"NEGATIVE", "POSITIVE"},
		ExportedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, publisher.PublishModelExported(ctx, payload))

	select {
	case task := <-receiver.Tasks():
		assert.Equal(t, messaging.ModelExportedTask, task.Type())

		var received messaging.ModelExportedPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload.ModelId, received.ModelId)
		assert.Equal(t, payload.ModelDir, received.ModelDir)
		assert.True(t, payload.ExportedAt.Equal(received.ExportedAt))

		require.NoError(t, task.Ack())
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func TestRabbitMQEveryReplicaReloads(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	connStr := startRabbitMQ(t, ctx)
	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	defer publisher.Close()

	next := t.TempDir()
	services := make([]*core.Service, 3)
	for i := range services {
		services[i], err = core.NewService(dirLoader, t.TempDir())
		require.NoError(t, err)
		defer services[i].Close()

		go core.NewEventListener(services[i], newRabbitMQReceiver(t, connStr), nil).Run(ctx)
	}

	require.NoError(t, publisher.PublishModelExported(ctx, messaging.ModelExportedPayload{ModelDir: next}))

	for i, service := range services {
		assert.Eventually(t, func() bool {
			current, err := service.Current()
			return err == nil && current.ModelDir == next
		}, 30*time.Second, 50*time.Millisecond, "replica %d", i)
	}
}

func TestRabbitMQEventListenerReloads(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	initial, next := t.TempDir(), t.TempDir()
	service, err := core.NewService(dirLoader, initial)
	require.NoError(t, err)
	defer service.Close()

	go core.NewEventListener(service, receiver, nil).Run(ctx)

	// A failed reload is nacked and the service keeps serving.
	require.NoError(t, publisher.PublishModelExported(ctx, messaging.ModelExportedPayload{ModelDir: "/missing"}))
	require.NoError(t, publisher.PublishModelExported(ctx, messaging.ModelExportedPayload{ModelDir: next}))

	assert.Eventually(t, func() bool {
		current, err := service.Current()
		return err == nil && current.ModelDir == next
	}, 30*time.Second, 50*time.Millisecond)

	result, ok := service.Score(ctx, "text").Result()
	require.True(t, ok)
	assert.Equal(t, next, result.Label)
}
