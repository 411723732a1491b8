package billing

import (
	"context"
	"net/http"
)

// CheckoutRequest asks for a hosted checkout session
type CheckoutRequest struct {
	// PlanKey is the symbolic plan key from the price table (client supplied)
	PlanKey string

	// UserID is the account to charge. Optional; when set it must equal CallerID.
	UserID string

	// CallerID is the account id taken from the verified bearer credential
	CallerID string

	// CallerEmail prefills the checkout page when known
	CallerEmail string

	// SuccessURL and CancelURL override the configured redirect URLs
	SuccessURL string
	CancelURL  string
}

// Provider is the interface a payment processor integration implements
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies and reconciles
	// processor events into subscription records.
	WebhookHandler() http.Handler

	// CheckoutURL opens a hosted checkout session and returns its URL
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL opens a hosted billing-portal session for the caller
	PortalURL(ctx context.Context, callerID, returnURL string) (string, error)

	// SyncUser re-reads the user's subscriptions from the provider and stores
	// the current state. Returns the stored plan.
	SyncUser(ctx context.Context, userID string) (string, error)
}
