package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/billing/internal"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

const defaultReplayBatch = 100

// outcome is what happened to one verified event
type outcome string

const (
	outcomeApplied    outcome = "applied"
	outcomeIgnored    outcome = "ignored"
	outcomeStale      outcome = "stale"
	outcomeUnresolved outcome = "unresolved"
)

type webhookResponse struct {
	Received bool `json:"received"`
}

// eventResult is returned by processEvent
type eventResult struct {
	outcome outcome
	userID  string
	subject subject
}

// handleWebhook verifies and reconciles one Stripe event.
//
// 200 is returned for applied, ignored, stale and unresolved events. Anything
// that may succeed on redelivery (store errors, timeouts, Stripe API errors)
// returns 500 so Stripe retries.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("webhook rejected",
			planmeter.Field{Key: "error", Value: fmt.Errorf("%w: %v", billing.ErrVerificationFailure, err)},
			planmeter.Field{Key: "remote_ip", Value: p.rateLimiter.ClientIP(r)},
		)
		http.Error(w, billing.ErrVerificationFailure.Error(), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "verification_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	result, err := p.processEvent(r.Context(), &event)
	if err == nil && result.outcome == outcomeUnresolved {
		err = p.deadLetter(r.Context(), &event, result.subject, body)
	}
	if err != nil {
		p.logger.Error("webhook processing failed",
			planmeter.Field{Key: "event_id", Value: event.ID},
			planmeter.Field{Key: "event_type", Value: eventType},
			planmeter.Field{Key: "error", Value: err},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})

	p.metrics.RecordWebhookEvent(providerName, eventType, string(result.outcome))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processEvent maps an event to a user and applies its transition.
// An unresolved user is reported through the outcome, not the error.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (eventResult, error) {
	transition, ok := transitions[eventKind(event.Type)]
	if !ok {
		return eventResult{outcome: outcomeIgnored}, nil
	}

	ch, err := transition(ctx, p, event)
	if err != nil {
		return eventResult{}, err
	}
	if ch == nil {
		return eventResult{outcome: outcomeIgnored}, nil
	}

	userID, err := p.resolveUser(ctx, ch.subject)
	if errors.Is(err, billing.ErrUnresolvedUser) {
		p.logger.Warn("webhook event not linked to an account",
			planmeter.Field{Key: "event_id", Value: event.ID},
			planmeter.Field{Key: "event_type", Value: string(event.Type)},
			planmeter.Field{Key: "customer_id", Value: ch.subject.customerID},
		)
		return eventResult{outcome: outcomeUnresolved, subject: ch.subject}, nil
	}
	if err != nil {
		return eventResult{}, fmt.Errorf("failed to resolve user: %w", err)
	}

	result, err := p.applyChange(ctx, event, userID, ch)
	result.subject = ch.subject
	return result, err
}

// applyChange upserts the user's record with the event's transition applied
func (p *Provider) applyChange(ctx context.Context, event *stripe.Event, userID string, ch *change) (eventResult, error) {
	existing, err := p.getRecord(ctx, userID)
	if err != nil && !errors.Is(err, planmeter.ErrRecordNotFound) {
		return eventResult{}, fmt.Errorf("failed to read record: %w", err)
	}

	eventTime := time.Unix(event.Created, 0).UTC()

	if existing != nil && ch.fromSubscription && isLifetime(existing) {
		// A one-time purchase outlives any subscription the customer had
		p.logger.Info("subscription event ignored for lifetime record",
			planmeter.Field{Key: "user_id", Value: userID},
			planmeter.Field{Key: "event_id", Value: event.ID},
		)
		return eventResult{outcome: outcomeIgnored, userID: userID}, nil
	}

	var rec planmeter.SubscriptionRecord
	previousPlan := planmeter.Plan("")
	if existing != nil {
		rec = *existing
		previousPlan = existing.Plan
	} else {
		rec = planmeter.SubscriptionRecord{
			UserID:    userID,
			Plan:      planmeter.PlanFree,
			Status:    planmeter.StatusFree,
			CreatedAt: eventTime,
		}
	}

	ch.apply(&rec)
	if ch.subject.customerID != "" {
		rec.ProcessorCustomerID = ch.subject.customerID
	}
	rec.LastEventAt = eventTime
	rec.UpdatedAt = eventTime

	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	if err := p.records.UpsertRecord(sctx, &rec); err != nil {
		if errors.Is(err, planmeter.ErrStaleEvent) {
			p.logger.Info("stale webhook event skipped",
				planmeter.Field{Key: "user_id", Value: userID},
				planmeter.Field{Key: "event_id", Value: event.ID},
				planmeter.Field{Key: "event_time", Value: eventTime},
			)
			return eventResult{outcome: outcomeStale, userID: userID}, nil
		}
		return eventResult{}, fmt.Errorf("failed to upsert record: %w", err)
	}

	if previousPlan != rec.Plan {
		from := string(previousPlan)
		if from == "" {
			from = string(planmeter.PlanFree)
		}
		p.metrics.RecordPlanChange(providerName, from, string(rec.Plan))
	}

	p.logger.Info("subscription record updated",
		planmeter.Field{Key: "user_id", Value: userID},
		planmeter.Field{Key: "event_type", Value: string(event.Type)},
		planmeter.Field{Key: "plan", Value: string(rec.Plan)},
		planmeter.Field{Key: "status", Value: string(rec.Status)},
	)

	p.notifyChange(ctx, billing.ChangeEvent{
		UserID:         userID,
		PreviousPlan:   previousPlan,
		NewPlan:        rec.Plan,
		NewStatus:      rec.Status,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventID:        event.ID,
		EventTimestamp: eventTime,
		PeriodEnd:      rec.CurrentPeriodEnd,
	})

	return eventResult{outcome: outcomeApplied, userID: userID}, nil
}

func (p *Provider) notifyChange(ctx context.Context, event billing.ChangeEvent) {
	if p.config.OnChange == nil {
		return
	}
	if err := p.config.OnChange(ctx, event); err != nil {
		p.logger.Warn("plan change callback failed",
			planmeter.Field{Key: "user_id", Value: event.UserID},
			planmeter.Field{Key: "error", Value: err},
		)
	}
}

// deadLetter keeps an unresolved event for a later replay. A failed save is
// returned so Stripe redelivers instead of the event being lost.
func (p *Provider) deadLetter(ctx context.Context, event *stripe.Event, subj subject, body []byte) error {
	if p.deadLetters == nil {
		return nil
	}

	sctx, cancel := p.storeCtx(ctx)
	defer cancel()

	err := p.deadLetters.SaveUnresolved(sctx, &billing.UnresolvedEvent{
		ID:         uuid.NewString(),
		Provider:   providerName,
		EventID:    event.ID,
		EventType:  string(event.Type),
		CustomerID: subj.customerID,
		Email:      subj.email,
		Payload:    body,
		ReceivedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", event.ID, err)
	}
	return nil
}

// ReplayUnresolved re-runs dead-lettered events through the reconciler and
// removes those that now map to an account. It returns how many were removed.
func (p *Provider) ReplayUnresolved(ctx context.Context, limit int) (int, error) {
	if p.deadLetters == nil {
		return 0, billing.ErrProviderNotConfigured
	}
	if limit <= 0 {
		limit = defaultReplayBatch
	}

	sctx, cancel := p.storeCtx(ctx)
	events, err := p.deadLetters.ListUnresolved(sctx, limit)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list unresolved events: %w", err)
	}

	replayed := 0
	var errs []error
	for i := range events {
		stored := &events[i]

		var event stripe.Event
		if err := json.Unmarshal(stored.Payload, &event); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w: %v", stored.EventID, billing.ErrInvalidWebhookPayload, err))
			continue
		}

		result, err := p.processEvent(ctx, &event)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", stored.EventID, err))
			continue
		}
		if result.outcome == outcomeUnresolved {
			continue
		}

		dctx, cancel := p.storeCtx(ctx)
		err = p.deadLetters.DeleteUnresolved(dctx, stored.ID)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: failed to delete: %w", stored.EventID, err))
			continue
		}

		replayed++
		p.metrics.RecordWebhookEvent(providerName, stored.EventType, "replayed")
	}

	return replayed, errors.Join(errs...)
}

func isLifetime(rec *planmeter.SubscriptionRecord) bool {
	return rec.Plan == planmeter.PlanLifetime && rec.Status == planmeter.StatusCompleted
}
