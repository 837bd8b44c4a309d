package rabbitmq

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by Consumer.Run when the delivery stream ends
// without Stop having been called.
var ErrQueueClosed = errors.New("telemetry consumer: delivery channel closed")

// Acknowledger settles one delivery.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Message is one delivery from a durable queue.
type Message struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	MessageID       string
	Redelivered     bool
	// DeliveryCount is the broker's count of earlier deliveries (quorum queues), 0 when unknown.
	DeliveryCount int
	Timestamp     time.Time

	Acknowledger Acknowledger
}

// Ack positively acknowledges the message.
func (m Message) Ack() error {
	if m.Acknowledger == nil {
		return errors.New("telemetry consumer: message has no acknowledger")
	}
	return m.Acknowledger.Ack()
}

// Nack negatively acknowledges the message.
func (m Message) Nack(requeue bool) error {
	if m.Acknowledger == nil {
		return errors.New("telemetry consumer: message has no acknowledger")
	}
	return m.Acknowledger.Nack(requeue)
}

// Queue is a durable queue with manual acknowledgment and at most one
// unacknowledged message in flight.
type Queue interface {
	Consume(ctx context.Context) (<-chan Message, error)
	Close() error
}
