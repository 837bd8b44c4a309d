package eventing

import "github.com/google/uuid"

// NewEventID generates a random identifier.
func NewEventID() string {
	return uuid.NewString()
}
