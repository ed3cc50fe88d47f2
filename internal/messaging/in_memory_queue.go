package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue is closed")

type inMemoryTask struct {
	taskType string
	payload  []byte
}

func (t *inMemoryTask) Type() string {
	return t.taskType
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue connects a publisher and a receiver running in the same process. It
// backs tests and embedders that run export and serving together.
type InMemoryQueue struct {
	mu     sync.RWMutex
	tasks  chan Task
	closed bool

	// done is closed before the lock is taken in Close, releasing publishers blocked
	// on a full buffer.
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Publisher = (*InMemoryQueue)(nil)
	_ Receiver  = (*InMemoryQueue)(nil)
)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make(chan Task, 100),
		done:  make(chan struct{}),
	}
}

func (q *InMemoryQueue) publishTaskInternal(ctx context.Context, taskType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- &inMemoryTask{taskType: taskType, payload: data}:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) PublishModelExported(ctx context.Context, payload ModelExportedPayload) error {
	return q.publishTaskInternal(ctx, ModelExportedTask, payload)
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
