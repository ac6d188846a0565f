package bt

import "github.com/google/uuid"

// RequestID correlates a submitted radio command or agent request with its
// asynchronous completion.
type RequestID uuid.UUID

// NewRequestID returns a fresh random identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

// IsZero reports whether the id was never assigned.
func (id RequestID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id RequestID) String() string {
	return uuid.UUID(id).String()
}
