package rabbitmq

import (
	"context"
	"errors"
	"sync"
)

// fakeQueue behaves like a durable queue with prefetch=1: a message is only
// delivered once the previous one is settled, and requeued messages go back to
// the head.
type fakeQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	ready []fakeMessage

	inFlight     int
	maxInFlight  int
	deliveries   int
	acks         int
	nacks        int
	requeues     int
	doubleSettle int
	closedSettle int

	reportDeliveryCount bool
	closeWhenDrained    bool
	closed              bool
}

type fakeMessage struct {
	body        []byte
	contentType string
	encoding    string
	id          string
	delivered   int
}

func newFakeQueue(msgs ...fakeMessage) *fakeQueue {
	q := &fakeQueue{ready: append([]fakeMessage(nil), msgs...)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func jsonMessage(body string) fakeMessage {
	return fakeMessage{body: []byte(body), contentType: "application/json"}
}

func (q *fakeQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	// A cancelled consumer stops receiving but its channel stays open, so the
	// message in flight can still be settled.
	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	go func() {
		defer close(out)
		for {
			q.mu.Lock()
			for !q.closed && ctx.Err() == nil && (q.inFlight > 0 || len(q.ready) == 0) {
				if q.closeWhenDrained && q.inFlight == 0 && len(q.ready) == 0 {
					q.closed = true
					break
				}
				q.cond.Wait()
			}
			if q.closed || ctx.Err() != nil {
				q.mu.Unlock()
				return
			}
			msg := q.popLocked()
			q.mu.Unlock()

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// take delivers the head message if nothing is in flight.
func (q *fakeQueue) take() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 || len(q.ready) == 0 {
		return Message{}, false
	}
	return q.popLocked(), true
}

func (q *fakeQueue) popLocked() Message {
	m := q.ready[0]
	q.ready = q.ready[1:]
	q.inFlight++
	if q.inFlight > q.maxInFlight {
		q.maxInFlight = q.inFlight
	}
	q.deliveries++

	msg := Message{
		Body:            m.body,
		ContentType:     m.contentType,
		ContentEncoding: m.encoding,
		MessageID:       m.id,
		Redelivered:     m.delivered > 0,
		Acknowledger:    &fakeAck{queue: q, msg: m},
	}
	if q.reportDeliveryCount {
		msg.DeliveryCount = m.delivered
	}
	return msg
}

func (q *fakeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.inFlight
}

type fakeQueueStats struct {
	deliveries, acks, nacks, requeues, doubleSettle, closedSettle, maxInFlight int
}

func (q *fakeQueue) stats() fakeQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fakeQueueStats{
		deliveries:   q.deliveries,
		acks:         q.acks,
		nacks:        q.nacks,
		requeues:     q.requeues,
		doubleSettle: q.doubleSettle,
		closedSettle: q.closedSettle,
		maxInFlight:  q.maxInFlight,
	}
}

type fakeAck struct {
	queue   *fakeQueue
	msg     fakeMessage
	settled bool
}

var (
	errAlreadySettled = errors.New("fake queue: delivery already settled")
	errChannelClosed  = errors.New("fake queue: channel closed")
)

func (a *fakeAck) Ack() error {
	q := a.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.closedSettle++
		return errChannelClosed
	}
	if a.settled {
		q.doubleSettle++
		return errAlreadySettled
	}
	a.settled = true
	q.inFlight--
	q.acks++
	q.cond.Broadcast()
	return nil
}

func (a *fakeAck) Nack(requeue bool) error {
	q := a.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.closedSettle++
		return errChannelClosed
	}
	if a.settled {
		q.doubleSettle++
		return errAlreadySettled
	}
	a.settled = true
	q.inFlight--
	q.nacks++
	if requeue {
		q.requeues++
		m := a.msg
		m.delivered++
		q.ready = append([]fakeMessage{m}, q.ready...)
	}
	q.cond.Broadcast()
	return nil
}
