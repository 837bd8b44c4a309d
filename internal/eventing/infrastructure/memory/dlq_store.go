package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"telemetry-service/internal/eventing"
)

// DLQStore keeps dead letters in memory.
type DLQStore struct {
	mu      sync.Mutex
	letters map[string]eventing.DeadLetter
}

// NewDLQStore constructs an empty store.
func NewDLQStore() *DLQStore {
	return &DLQStore{letters: make(map[string]eventing.DeadLetter)}
}

// RecordDeadLetter stores or merges a dead letter keyed by queue and fingerprint.
func (s *DLQStore) RecordDeadLetter(ctx context.Context, letter eventing.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if letter.Fingerprint == "" {
		return errors.New("dlq store: empty fingerprint")
	}
	if letter.ID == "" {
		letter.ID = eventing.NewEventID()
	}
	if letter.RecordedAt.IsZero() {
		letter.RecordedAt = time.Now().UTC()
	}
	key := letter.Queue + "/" + letter.Fingerprint

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.letters[key]; ok {
		existing.Error = letter.Error
		existing.Attempts += letter.Attempts
		existing.RecordedAt = letter.RecordedAt
		s.letters[key] = existing
		return nil
	}
	s.letters[key] = letter
	return nil
}

// ListDeadLetters returns the most recent dead letters for a queue.
func (s *DLQStore) ListDeadLetters(ctx context.Context, queue string, limit int) ([]eventing.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	result := make([]eventing.DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		if letter.Queue == queue {
			result = append(result, letter)
		}
	}
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].RecordedAt.After(result[j].RecordedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
