package planmeter

import (
	"context"
	"errors"
	"time"
)

// Effective derives the plan a record grants at now.
//
// Only active and trialing records are entitled, plus a lifetime purchase in
// the completed state. A record scheduled to cancel stops granting its plan at
// the end of the current period even if no further event arrives.
func Effective(rec *SubscriptionRecord, now time.Time) PlanResolution {
	if rec == nil || !rec.Plan.Valid() || rec.Plan == PlanFree {
		return FreeResolution
	}

	switch rec.Status {
	case StatusActive, StatusTrialing:
	case StatusCompleted:
		if rec.Plan != PlanLifetime {
			return FreeResolution
		}
	default:
		return FreeResolution
	}

	if rec.CancelAtPeriodEnd && rec.CurrentPeriodEnd != nil && !now.Before(*rec.CurrentPeriodEnd) {
		return FreeResolution
	}

	return PlanResolution{Plan: rec.Plan, Status: rec.Status}
}

// ResolvePlan returns the user's effective plan.
// A missing record, a store error or a timeout all resolve to free.
func (m *Manager) ResolvePlan(ctx context.Context, userID string) PlanResolution {
	return m.resolvePlan(ctx, userID, m.now(ctx))
}

func (m *Manager) resolvePlan(ctx context.Context, userID string, now time.Time) PlanResolution {
	if userID == "" {
		return FreeResolution
	}

	rec, err := m.GetRecord(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			m.config.Logger.Warn("plan resolution degraded to free",
				Field{"user_id", userID},
				Field{"error", err.Error()},
			)
			m.config.Metrics.RecordResolveFallback(fallbackReason(err))
		}
		return FreeResolution
	}

	return Effective(rec, now)
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "store_error"
	}
}
