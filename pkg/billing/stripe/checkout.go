package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// CheckoutURL creates a Stripe Checkout Session and returns its URL.
//
// The caller must be authenticated and, when the request names a user, be
// that user. Both checks run before any Stripe call. The price is taken from
// the server-side price table; only the symbolic plan key comes from the client.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	startTime := time.Now()

	if req.CallerID == "" {
		p.metrics.RecordSession(providerName, "checkout", "denied")
		return "", billing.ErrAuthentication
	}
	if req.UserID != "" && req.UserID != req.CallerID {
		p.metrics.RecordSession(providerName, "checkout", "denied")
		p.logger.Warn("checkout requested for another account",
			planmeter.Field{Key: "caller_id", Value: req.CallerID},
			planmeter.Field{Key: "user_id", Value: req.UserID},
		)
		return "", billing.ErrAuthorizationMismatch
	}

	price, err := p.prices.Lookup(req.PlanKey)
	if err != nil {
		p.metrics.RecordSession(providerName, "checkout", "denied")
		return "", err
	}

	userID := req.CallerID

	// Reuse the customer from an earlier purchase. A store failure aborts so
	// we never create a duplicate customer.
	customerID := ""
	rec, err := p.getRecord(ctx, userID)
	switch {
	case err == nil:
		customerID = rec.ProcessorCustomerID
	case !errors.Is(err, planmeter.ErrRecordNotFound):
		p.metrics.RecordSession(providerName, "checkout", "error")
		return "", fmt.Errorf("failed to read subscription record: %w", err)
	}

	successURL := firstNonEmpty(req.SuccessURL, p.config.SuccessURL)
	cancelURL := firstNonEmpty(req.CancelURL, p.config.CancelURL)

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(price.Mode)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(price.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.AddMetadata(metadataUserID, userID)
	params.AddMetadata(metadataPlan, string(price.Plan))
	params.AddMetadata(metadataPlanKey, req.PlanKey)

	if price.Mode == billing.ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		params.SubscriptionData.AddMetadata(metadataUserID, userID)
		params.SubscriptionData.AddMetadata(metadataPlan, string(price.Plan))
	}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		if req.CallerEmail != "" {
			params.CustomerEmail = stripe.String(req.CallerEmail)
		}
		if price.Mode == billing.ModePayment {
			// Subscription mode always creates a customer
			params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
		}
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordSession(providerName, "checkout", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordSession(providerName, "checkout", "created")
	return session.URL, nil
}

// PortalURL creates a Stripe billing-portal session for the caller.
// A caller without a stored customer id gets billing.ErrNoBillingAccount.
func (p *Provider) PortalURL(ctx context.Context, callerID, returnURL string) (string, error) {
	startTime := time.Now()

	if callerID == "" {
		p.metrics.RecordSession(providerName, "portal", "denied")
		return "", billing.ErrAuthentication
	}

	rec, err := p.getRecord(ctx, callerID)
	if err != nil {
		if errors.Is(err, planmeter.ErrRecordNotFound) {
			p.metrics.RecordSession(providerName, "portal", "denied")
			return "", billing.ErrNoBillingAccount
		}
		p.metrics.RecordSession(providerName, "portal", "error")
		return "", fmt.Errorf("failed to read subscription record: %w", err)
	}
	if rec.ProcessorCustomerID == "" {
		p.metrics.RecordSession(providerName, "portal", "denied")
		return "", billing.ErrNoBillingAccount
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(rec.ProcessorCustomerID),
		ReturnURL: stripe.String(firstNonEmpty(returnURL, p.config.PortalReturnURL)),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordSession(providerName, "portal", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordSession(providerName, "portal", "created")
	return session.URL, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
