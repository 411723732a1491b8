package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrAuthentication is returned when a session request carries no valid
	// bearer credential
	ErrAuthentication = errors.New("authentication required")

	// ErrAuthorizationMismatch is returned when the authenticated caller is not
	// the account a session is requested for
	ErrAuthorizationMismatch = errors.New("caller does not match target account")

	// ErrVerificationFailure is returned when a webhook signature does not
	// validate against the signing secret
	ErrVerificationFailure = errors.New("webhook signature verification failed")

	// ErrInvalidWebhookPayload is returned when a verified webhook body cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnresolvedUser is returned when an event cannot be mapped to an account.
	// Such events are acknowledged and dead-lettered, never retried.
	ErrUnresolvedUser = errors.New("event could not be mapped to an account")

	// ErrNoBillingAccount is returned when a portal session is requested for a
	// user who has never subscribed
	ErrNoBillingAccount = errors.New("no billing account, subscribe first")

	// ErrUnknownPlanKey is returned when a checkout names a plan key missing
	// from the price table
	ErrUnknownPlanKey = errors.New("unknown plan key")

	// ErrAccountNotFound is returned by account directories when no account matches
	ErrAccountNotFound = errors.New("account not found")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
