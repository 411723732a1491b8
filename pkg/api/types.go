package api

import "time"

// UsageResponse is the caller's current plan and quota standing
type UsageResponse struct {
	UserID string                   `json:"user_id"`
	Plan   string                   `json:"plan"`
	Status string                   `json:"status"`
	Quotas map[string]CategoryUsage `json:"quotas"`
}

// CategoryUsage is the standing in one quota pool
type CategoryUsage struct {
	Limit     int       `json:"limit"`     // -1 for unlimited
	Used      int       `json:"used"`      // not counted for unlimited plans
	Remaining int       `json:"remaining"` // -1 for unlimited
	Allowed   bool      `json:"allowed"`
	ResetAt   time.Time `json:"reset_at"`
}

// CheckoutRequest is the body of POST /v1/billing/checkout
type CheckoutRequest struct {
	PlanKey string `json:"plan_key"`
	UserID  string `json:"user_id,omitempty"`
}

// SessionResponse carries a hosted session URL
type SessionResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}
