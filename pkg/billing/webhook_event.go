package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// ChangeEvent describes a subscription record write made by a provider.
// It is passed to the WebhookCallback after the record has been stored.
type ChangeEvent struct {
	// UserID is the internal user identifier
	UserID string `json:"user_id"`

	// PreviousPlan is the stored plan before the write (empty for a new record)
	PreviousPlan planmeter.Plan `json:"previous_plan,omitempty"`

	// NewPlan and NewStatus are the stored values after the write
	NewPlan   planmeter.Plan   `json:"new_plan"`
	NewStatus planmeter.Status `json:"new_status"`

	// Provider is the billing provider name
	Provider string `json:"provider"`

	// EventType is the provider event type, e.g. "customer.subscription.updated"
	EventType string `json:"event_type"`

	// EventID is the provider event identifier
	EventID string `json:"event_id,omitempty"`

	// EventTimestamp is when the event occurred at the provider
	EventTimestamp time.Time `json:"event_timestamp"`

	// PeriodEnd is the end of the current billing period (nil for one-time purchases)
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

// WebhookCallback is invoked after every applied record write. Errors are
// logged by the provider and never fail the webhook delivery.
type WebhookCallback func(ctx context.Context, event ChangeEvent) error
