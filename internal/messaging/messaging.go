package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RetrainingQueue = "retraining_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

// Event is a delivered message from the batch-ready channel.
type Event interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// RetrainingBatchPayload is the batch-ready event offered to the external
// training collaborator. The same batch id may be offered more than once;
// acknowledgement is idempotent on it.
type RetrainingBatchPayload struct {
	BatchId     uuid.UUID
	TaskIds     []uuid.UUID
	TriggeredAt time.Time
}

type Publisher interface {
	PublishRetrainingBatch(ctx context.Context, payload RetrainingBatchPayload) error

	Close()
}

type Receiver interface {
	Events() <-chan Event

	Close()
}
