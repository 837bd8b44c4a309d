package eventing

import (
	"context"
	"time"
)

// DeadLetter is a queue message that exhausted its delivery attempts.
type DeadLetter struct {
	ID              string
	Queue           string
	MessageID       string
	Fingerprint     string
	ContentType     string
	ContentEncoding string
	Body            []byte
	Error           string
	Attempts        int
	RecordedAt      time.Time
}

// DeadLetterStore records poison messages so they can be acked off the queue.
type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, letter DeadLetter) error
}

// DeadLetterLister reads recorded dead letters.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)
}
