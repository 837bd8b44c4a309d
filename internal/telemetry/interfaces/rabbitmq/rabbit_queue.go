package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryCountHeader = "x-delivery-count"

// RabbitQueue is a Queue backed by an AMQP 0-9-1 broker.
type RabbitQueue struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	name        string
	consumerTag string

	closeOnce sync.Once
	closeErr  error
}

// DialQueue connects, declares the durable queue and limits prefetch to one
// message. It does not retry; the caller owns restart policy.
func DialQueue(url, name string) (*RabbitQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("rabbitmq: empty queue name")
	}
	conn, channel, err := openChannel(url, name)
	if err != nil {
		return nil, err
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: set prefetch: %w", err)
	}
	return &RabbitQueue{conn: conn, channel: channel, name: name}, nil
}

func openChannel(url, name string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: connect: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: declare queue %s: %w", name, err)
	}
	return conn, channel, nil
}

// Name returns the queue name.
func (q *RabbitQueue) Name() string {
	return q.name
}

// Consume starts a manual-ack consumer. The returned channel closes when the
// connection closes or ctx is cancelled.
func (q *RabbitQueue) Consume(ctx context.Context) (<-chan Message, error) {
	deliveries, err := q.channel.ConsumeWithContext(
		ctx,
		q.name,
		q.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: consume %s: %w", q.name, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for d := range deliveries {
			msg := toMessage(d)
			select {
			case out <- msg:
			case <-ctx.Done():
				if err := d.Nack(false, true); err != nil {
					log.Printf("rabbitmq: requeue on shutdown tag=%d: %v", d.DeliveryTag, err)
				}
				return
			}
		}
	}()
	return out, nil
}

// Close closes the channel and the connection. Safe to call more than once.
func (q *RabbitQueue) Close() error {
	q.closeOnce.Do(func() {
		if q.channel != nil {
			_ = q.channel.Close()
		}
		if q.conn != nil && !q.conn.IsClosed() {
			q.closeErr = q.conn.Close()
		}
	})
	return q.closeErr
}

func toMessage(d amqp.Delivery) Message {
	return Message{
		Body:            d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		MessageID:       d.MessageId,
		Redelivered:     d.Redelivered,
		DeliveryCount:   headerInt(d.Headers, deliveryCountHeader),
		Timestamp:       d.Timestamp,
		Acknowledger:    deliveryAck{delivery: d},
	}
}

type deliveryAck struct {
	delivery amqp.Delivery
}

func (a deliveryAck) Ack() error {
	return a.delivery.Ack(false)
}

func (a deliveryAck) Nack(requeue bool) error {
	return a.delivery.Nack(false, requeue)
}

func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// Publisher publishes envelopes to a durable queue.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	timeout time.Duration
}

// DialPublisher connects and declares the durable queue.
func DialPublisher(url, name string) (*Publisher, error) {
	conn, channel, err := openChannel(url, name)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, channel: channel, queue: name, timeout: 5 * time.Second}, nil
}

// Publish sends one persistent message through the default exchange.
func (p *Publisher) Publish(ctx context.Context, body []byte, contentType, contentEncoding, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.channel.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			DeliveryMode:    amqp.Persistent,
			ContentType:     contentType,
			ContentEncoding: contentEncoding,
			MessageId:       messageID,
			Body:            body,
			Timestamp:       time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
