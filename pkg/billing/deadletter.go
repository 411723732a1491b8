package billing

import (
	"context"
	"time"
)

// UnresolvedEvent is a verified processor event that could not be mapped to an
// account when it arrived
type UnresolvedEvent struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	CustomerID string    `json:"customer_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeadLetterStore keeps unresolved events so they can be replayed once the
// customer is linked to an account
type DeadLetterStore interface {
	// SaveUnresolved stores the event. Saving the same provider event id twice
	// keeps a single entry.
	SaveUnresolved(ctx context.Context, event *UnresolvedEvent) error

	// ListUnresolved returns up to limit events, oldest first
	ListUnresolved(ctx context.Context, limit int) ([]UnresolvedEvent, error)

	// DeleteUnresolved removes an event after a successful replay
	DeleteUnresolved(ctx context.Context, id string) error
}
