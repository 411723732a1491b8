package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Records is the subscription record store the provider writes to (required)
	Records planmeter.RecordStore

	// Accounts resolves metadata user ids and billing emails to accounts (required)
	Accounts AccountDirectory

	// DeadLetters keeps events that could not be mapped to an account.
	// If nil, unresolved events are only logged.
	DeadLetters DeadLetterStore

	// Prices is the static plan key to price table (required for checkout)
	Prices PriceTable

	// WebhookSecret verifies incoming webhook signatures
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// SuccessURL and CancelURL are the default checkout redirect targets
	SuccessURL string
	CancelURL  string

	// PortalReturnURL is the default billing-portal return target
	PortalReturnURL string

	// StoreTimeout bounds every store call made while handling an event (default: 5s)
	StoreTimeout time.Duration

	// EmailScan bounds the email fallback of user resolution
	EmailScan ScanLimits

	// OnChange is invoked after each applied record write (optional)
	OnChange WebhookCallback

	// Metrics is an optional metrics collector. If nil, metrics are ignored.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger planmeter.Logger
}
