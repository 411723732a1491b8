// Package planmeter resolves a user's effective plan from their subscription
// record and enforces monthly free-tier quotas over an append-only usage ledger.
package planmeter

import (
	"time"
)

// Plan is a subscription tier
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanPremium  Plan = "premium"
	PlanLifetime Plan = "lifetime"
)

// Valid reports whether p is a known plan
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanPremium, PlanLifetime:
		return true
	}
	return false
}

// Paid reports whether p is a paid plan. Paid plans are not metered.
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanPremium || p == PlanLifetime
}

// Status is the lifecycle state of a subscription record
type Status string

const (
	StatusFree      Status = "free"
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPastDue   Status = "past_due"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

// ActionType identifies a metered action recorded in the usage ledger
type ActionType string

const (
	ActionAIGeneration     ActionType = "ai_generation"
	ActionDownloadStandard ActionType = "download_standard"
	ActionDownloadTailored ActionType = "download_tailored"
)

// Category groups action types that share one quota pool
type Category string

const (
	CategoryAIGeneration Category = "ai_generation"
	CategoryDownload     Category = "download"
)

// categoryActions maps each quota pool to the action types it counts.
// Pools are disjoint.
var categoryActions = map[Category][]ActionType{
	CategoryAIGeneration: {ActionAIGeneration},
	CategoryDownload:     {ActionDownloadStandard, ActionDownloadTailored},
}

// Categories returns every known quota category in a stable order
func Categories() []Category {
	return []Category{CategoryAIGeneration, CategoryDownload}
}

// Actions returns the action types counted by the category, or nil if unknown
func (c Category) Actions() []ActionType {
	actions, ok := categoryActions[c]
	if !ok {
		return nil
	}
	out := make([]ActionType, len(actions))
	copy(out, actions)
	return out
}

// CategoryOf returns the quota pool an action type belongs to
func CategoryOf(action ActionType) (Category, bool) {
	for cat, actions := range categoryActions {
		for _, a := range actions {
			if a == action {
				return cat, true
			}
		}
	}
	return "", false
}

// SubscriptionRecord is the current billing state of one user.
// There is at most one record per UserID.
type SubscriptionRecord struct {
	UserID                  string     `json:"user_id"`
	Plan                    Plan       `json:"plan"`
	Status                  Status     `json:"status"`
	ProcessorCustomerID     string     `json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID string     `json:"processor_subscription_id,omitempty"`
	CurrentPeriodStart      *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool       `json:"cancel_at_period_end"`
	// LastEventAt is the creation time of the processor event that last wrote
	// this record. Writes carrying an older event time are rejected.
	LastEventAt time.Time `json:"last_event_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageEntry is one immutable row of the usage ledger
type UsageEntry struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Action     ActionType `json:"action_type"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// PlanResolution is the effective plan of a user at a point in time
type PlanResolution struct {
	Plan   Plan   `json:"plan"`
	Status Status `json:"status"`
}

// FreeResolution is returned whenever entitlement cannot be established
var FreeResolution = PlanResolution{Plan: PlanFree, Status: StatusFree}

// LimitResult answers whether a user may perform an action in a category now
type LimitResult struct {
	Category  Category  `json:"category"`
	Allowed   bool      `json:"allowed"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Max       int       `json:"max"`
	ResetDate time.Time `json:"reset_date"`
	Plan      Plan      `json:"plan"`
	// Unlimited is set for paid plans, in which case Used is not counted and
	// Remaining and Max are -1.
	Unlimited bool `json:"unlimited"`
}

// UsageSummary is the quota standing of a user across every category
type UsageSummary struct {
	UserID string        `json:"user_id"`
	Plan   Plan          `json:"plan"`
	Status Status        `json:"status"`
	Limits []LimitResult `json:"limits"`
}

// Window is a half-open time interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Config configures a Manager
type Config struct {
	// FreeLimits maps each category to its monthly free-tier allowance.
	// Missing categories fall back to DefaultFreeLimits.
	FreeLimits map[Category]int

	// Location defines the calendar used for monthly windows (default: time.Local)
	Location *time.Location

	// StoreTimeout bounds every storage call (default: 3 seconds)
	StoreTimeout time.Duration

	// TimeSource supplies the evaluation instant (default: system clock)
	TimeSource TimeSource

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// DefaultFreeLimits are the monthly allowances of the free plan
var DefaultFreeLimits = map[Category]int{
	CategoryAIGeneration: 5,
	CategoryDownload:     1,
}
