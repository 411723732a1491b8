package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// syncUserFromAPI rebuilds the user's record from the customer's most recent
// Stripe subscription. It is the "restore purchases" path and overrides any
// webhook state older than now.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (planmeter.Plan, error) {
	startTime := time.Now()
	if userID == "" {
		return planmeter.PlanFree, planmeter.ErrInvalidUserID
	}

	existing, err := p.getRecord(ctx, userID)
	if err != nil && !errors.Is(err, planmeter.ErrRecordNotFound) {
		p.metrics.RecordUserSync(providerName, "error")
		return planmeter.PlanFree, fmt.Errorf("failed to read subscription record: %w", err)
	}

	// A lifetime purchase has no subscription to sync
	if existing != nil && isLifetime(existing) {
		p.metrics.RecordUserSync(providerName, "success")
		return existing.Plan, nil
	}

	customerID := ""
	if existing != nil {
		customerID = existing.ProcessorCustomerID
	}
	if customerID == "" {
		p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
		customerID, err = p.searchCustomerByMetadata(ctx, userID)
		if err != nil {
			if errors.Is(err, billing.ErrAccountNotFound) {
				p.metrics.RecordUserSync(providerName, "not_found")
				return planmeter.PlanFree, billing.ErrNoBillingAccount
			}
			p.metrics.RecordUserSync(providerName, "error")
			return planmeter.PlanFree, err
		}
	}

	sub, err := p.latestSubscription(ctx, customerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return planmeter.PlanFree, err
	}

	now := p.now().UTC()
	rec := planmeter.SubscriptionRecord{
		UserID:              userID,
		Plan:                planmeter.PlanFree,
		Status:              planmeter.StatusFree,
		ProcessorCustomerID: customerID,
		CreatedAt:           now,
	}
	previousPlan := planmeter.Plan("")
	if existing != nil {
		rec = *existing
		rec.ProcessorCustomerID = customerID
		previousPlan = existing.Plan
	}
	if sub != nil {
		p.subscriptionChange(sub, subject{}, planFromMetadata(sub.Metadata)).apply(&rec)
	} else if existing != nil && existing.ProcessorSubscriptionID != "" {
		rec.Status = planmeter.StatusCanceled
	}
	rec.LastEventAt = now
	rec.UpdatedAt = now

	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	if err := p.records.UpsertRecord(sctx, &rec); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return previousPlan, fmt.Errorf("failed to upsert record: %w", err)
	}

	if previousPlan != rec.Plan {
		from := string(previousPlan)
		if from == "" {
			from = string(planmeter.PlanFree)
		}
		p.metrics.RecordPlanChange(providerName, from, string(rec.Plan))
	}
	p.notifyChange(ctx, billing.ChangeEvent{
		UserID:         userID,
		PreviousPlan:   previousPlan,
		NewPlan:        rec.Plan,
		NewStatus:      rec.Status,
		Provider:       providerName,
		EventType:      "sync",
		EventTimestamp: now,
		PeriodEnd:      rec.CurrentPeriodEnd,
	})

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordAPICallDuration(providerName, "/sync", time.Since(startTime))
	return planmeter.Effective(&rec, now).Plan, nil
}

// latestSubscription returns the customer's most recently created
// subscription in any status, or nil when there is none
func (p *Provider) latestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var latest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return nil, fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if latest == nil || sub.Created > latest.Created {
			latest = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "success")
	return latest, nil
}

// searchCustomerByMetadata finds a customer tagged with the user id using the
// Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, strings.ReplaceAll(userID, "'", "\\'"))

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("%w: search customers: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches
		if cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrAccountNotFound
}
