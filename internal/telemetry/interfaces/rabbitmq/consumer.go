package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"telemetry-service/internal/eventing"
	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/domain"
)

// DefaultQueueName is the queue producers publish telemetry to.
const DefaultQueueName = "telemetry_events"

// DefaultMaxAttempts is the delivery budget before a message is dead-lettered.
const DefaultMaxAttempts = 10

const maxTrackedMessages = 4096

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// EnvelopeRecorder persists validated envelopes.
type EnvelopeRecorder interface {
	Record(ctx context.Context, env telemetry.Envelope, source string) (telemetry.Record, error)
}

// Consumer drains the telemetry queue into the history store, one message at a time.
type Consumer struct {
	queue       Queue
	recorder    EnvelopeRecorder
	deadLetters eventing.DeadLetterStore
	queueName   string
	maxAttempts int
	timeout     time.Duration
	clock       telemetry.Clock
	logger      *log.Logger
	attempts    *attemptTracker

	mu       sync.Mutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetters acks messages into store after maxAttempts failed deliveries.
// maxAttempts <= 0 requeues forever.
func WithDeadLetters(store eventing.DeadLetterStore, maxAttempts int) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetters = store
		c.maxAttempts = maxAttempts
	}
}

// WithQueueName labels dead letters and log lines.
func WithQueueName(name string) ConsumerOption {
	return func(c *Consumer) {
		if name != "" {
			c.queueName = name
		}
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDeadLetterTimeout bounds the dead-letter write.
func WithDeadLetterTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithConsumerClock overrides the dead-letter timestamp clock.
func WithConsumerClock(clock telemetry.Clock) ConsumerOption {
	return func(c *Consumer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewConsumer constructs a Consumer.
func NewConsumer(queue Queue, recorder EnvelopeRecorder, opts ...ConsumerOption) (*Consumer, error) {
	if queue == nil {
		return nil, errors.New("telemetry consumer: nil queue")
	}
	if recorder == nil {
		return nil, errors.New("telemetry consumer: nil recorder")
	}
	c := &Consumer{
		queue:     queue,
		recorder:  recorder,
		queueName: DefaultQueueName,
		timeout:   5 * time.Second,
		clock:     telemetry.SystemClock{},
		logger:    log.Default(),
		attempts:  newAttemptTracker(maxTrackedMessages),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run receives and handles messages until the delivery channel closes or ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("telemetry consumer: %w", err)
	}
	c.logger.Printf("telemetry consumer: waiting for messages queue=%s", c.queueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return ErrQueueClosed
			}
			c.Handle(ctx, msg)
		}
	}
}

// Start runs the loop on its own goroutine. Cancellation of ctx is ignored;
// only Stop ends the loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("telemetry consumer: already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		err := c.Run(runCtx)
		c.mu.Lock()
		if c.stopping && (errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled)) {
			err = nil
		}
		if err != nil {
			c.logger.Printf("telemetry consumer: stopped: %v", err)
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	return nil
}

// Stop ends the loop, waits for the message being handled to be settled and
// then closes the queue connection.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	return c.queue.Close()
}

// Done is closed when the loop started by Start exits.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the loop's terminal error once Done is closed. It is nil after Stop.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Handle decodes, persists and settles one message. It never returns an error;
// every failure is settled by requeue or dead letter.
func (c *Consumer) Handle(ctx context.Context, msg Message) Outcome {
	// Cancelling the loop must not abort a message mid-write.
	ctx = context.WithoutCancel(ctx)

	if msg.Redelivered {
		metrics.IncConsumerRedelivery()
	}
	if !msg.Timestamp.IsZero() {
		metrics.ObserveQueueWait(c.clock.Now().Sub(msg.Timestamp))
	}

	env, err := decodeMessage(msg)
	if err != nil {
		return c.fail(ctx, msg, "decode", err)
	}
	rec, err := c.recorder.Record(ctx, env, metrics.SourceQueue)
	if err != nil {
		if telemetry.IsValidation(err) {
			return c.fail(ctx, msg, "decode", err)
		}
		return c.fail(ctx, msg, "persist", err)
	}

	c.attempts.forget(attemptKey(msg))
	if err := msg.Ack(); err != nil {
		c.logger.Printf("telemetry consumer: ack id=%s: %v", rec.ID, err)
	}
	metrics.IncConsumerDelivery(string(OutcomeAcked))
	return OutcomeAcked
}

func (c *Consumer) fail(ctx context.Context, msg Message, stage string, cause error) Outcome {
	attempts := c.attempts.failed(attemptKey(msg), msg.DeliveryCount)
	c.logger.Printf("telemetry consumer: %s failed queue=%s message_id=%s attempt=%d redelivered=%t: %v",
		stage, c.queueName, msg.MessageID, attempts, msg.Redelivered, cause)

	if c.deadLetters != nil && c.maxAttempts > 0 && attempts >= c.maxAttempts {
		if outcome, ok := c.deadLetter(ctx, msg, attempts, cause); ok {
			return outcome
		}
	}
	return c.requeue(msg)
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, attempts int, cause error) (Outcome, bool) {
	letter := eventing.DeadLetter{
		ID:              eventing.NewEventID(),
		Queue:           c.queueName,
		MessageID:       msg.MessageID,
		Fingerprint:     Fingerprint(msg.Body),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Body:            msg.Body,
		Error:           cause.Error(),
		Attempts:        attempts,
		RecordedAt:      c.clock.Now().UTC(),
	}
	dlCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.deadLetters.RecordDeadLetter(dlCtx, letter); err != nil {
		c.logger.Printf("telemetry consumer: dead letter message_id=%s: %v", msg.MessageID, err)
		return "", false
	}
	c.attempts.forget(attemptKey(msg))
	if err := msg.Ack(); err != nil {
		c.logger.Printf("telemetry consumer: ack dead letter message_id=%s: %v", msg.MessageID, err)
	}
	c.logger.Printf("telemetry consumer: dead-lettered queue=%s message_id=%s attempts=%d", c.queueName, msg.MessageID, attempts)
	metrics.IncConsumerDelivery(string(OutcomeDeadLettered))
	return OutcomeDeadLettered, true
}

func (c *Consumer) requeue(msg Message) Outcome {
	if err := msg.Nack(true); err != nil {
		c.logger.Printf("telemetry consumer: nack message_id=%s: %v", msg.MessageID, err)
	}
	metrics.IncConsumerDelivery(string(OutcomeRequeued))
	return OutcomeRequeued
}

func decodeMessage(msg Message) (telemetry.Envelope, error) {
	body, err := DecodeBody(msg.Body, msg.ContentEncoding)
	if err != nil {
		return telemetry.Envelope{}, err
	}
	return telemetry.DecodeEnvelope(body, msg.ContentType)
}

func attemptKey(msg Message) string {
	if msg.MessageID != "" {
		return "id:" + msg.MessageID
	}
	return "fp:" + Fingerprint(msg.Body)
}

// attemptTracker counts failed deliveries for brokers that do not report them.
type attemptTracker struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func newAttemptTracker(limit int) *attemptTracker {
	return &attemptTracker{limit: limit, counts: make(map[string]int)}
}

// failed records a failed delivery and returns the attempt number. The broker
// count wins when it is ahead, e.g. after a restart.
func (t *attemptTracker) failed(key string, brokerCount int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[key]
	if !ok && len(t.counts) >= t.limit {
		for k := range t.counts {
			delete(t.counts, k)
			break
		}
	}
	n++
	if brokerCount+1 > n {
		n = brokerCount + 1
	}
	t.counts[key] = n
	return n
}

func (t *attemptTracker) forget(key string) {
	t.mu.Lock()
	delete(t.counts, key)
	t.mu.Unlock()
}
