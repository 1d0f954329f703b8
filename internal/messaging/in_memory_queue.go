package messaging

import (
	"context"
	"encoding/json"
)

type inMemoryEvent struct {
	queue   string
	payload []byte
}

func (e *inMemoryEvent) Type() string {
	return e.queue
}

func (e *inMemoryEvent) Payload() []byte {
	return e.payload
}

func (e *inMemoryEvent) Ack() error {
	return nil
}

func (e *inMemoryEvent) Nack() error {
	return nil
}

func (e *inMemoryEvent) Reject() error {
	return nil
}

// InMemoryQueue is a Publisher and Receiver backed by a channel, for tests
// and single-process runs without a broker.
type InMemoryQueue struct {
	events chan Event
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make(chan Event, 100),
	}
}

func (q *InMemoryQueue) PublishRetrainingBatch(ctx context.Context, payload RetrainingBatchPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.events <- &inMemoryEvent{queue: RetrainingQueue, payload: data}

	return nil
}

func (q *InMemoryQueue) Events() <-chan Event {
	return q.events
}

func (q *InMemoryQueue) Close() {
	if q.events != nil {
		close(q.events)
		q.events = nil
	}
}
