package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// ModelEventsExchange fans every model event out to one queue per server, so all
	// replicas reload.
	ModelEventsExchange = "model_events"

	ModelExportedTask = "model_exported"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// ModelExportedPayload announces a new inference artifact. Servers that share a
// filesystem with the exporter can load ModelDir directly; others download the
// artifact from StorageBucket/StoragePrefix.
type ModelExportedPayload struct {
	ModelId uuid.UUID

	ModelDir      string
	StorageBucket string `json:",omitempty"`
	StoragePrefix string `json:",omitempty"`

	Labels     []string
	ExportedAt time.Time
}

type Publisher interface {
	PublishModelExported(ctx context.Context, payload ModelExportedPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
