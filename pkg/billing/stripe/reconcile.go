package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// eventKind is the closed set of Stripe events that move a subscription record
type eventKind string

const (
	kindCheckoutCompleted   eventKind = "checkout.session.completed"
	kindSubscriptionCreated eventKind = "customer.subscription.created"
	kindSubscriptionUpdated eventKind = "customer.subscription.updated"
	kindSubscriptionDeleted eventKind = "customer.subscription.deleted"
	kindInvoicePaid         eventKind = "invoice.payment_succeeded"
	kindInvoiceFailed       eventKind = "invoice.payment_failed"
)

// handledKinds lists every kind the reconciler acts on. Each one must have
// an entry in transitions.
var handledKinds = []eventKind{
	kindCheckoutCompleted,
	kindSubscriptionCreated,
	kindSubscriptionUpdated,
	kindSubscriptionDeleted,
	kindInvoicePaid,
	kindInvoiceFailed,
}

// transition decodes an event into the change it makes. A nil change means
// the event carries nothing to apply.
type transition func(ctx context.Context, p *Provider, event *stripe.Event) (*change, error)

var transitions = map[eventKind]transition{
	kindCheckoutCompleted:   checkoutCompleted,
	kindSubscriptionCreated: subscriptionChanged,
	kindSubscriptionUpdated: subscriptionChanged,
	kindSubscriptionDeleted: subscriptionDeleted,
	kindInvoicePaid:         invoicePaid,
	kindInvoiceFailed:       invoiceFailed,
}

// subject carries what an event tells us about the account it concerns
type subject struct {
	userID     string // metadata user_id
	customerID string
	email      string
}

// change is one decoded event
type change struct {
	subject subject
	apply   func(rec *planmeter.SubscriptionRecord)

	// fromSubscription marks changes derived from a recurring subscription.
	// They never overwrite a lifetime purchase.
	fromSubscription bool
}

func checkoutCompleted(ctx context.Context, p *Provider, event *stripe.Event) (*change, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	subj := subject{
		userID:     session.Metadata[metadataUserID],
		customerID: customerID(session.Customer),
		email:      session.CustomerEmail,
	}
	if subj.userID == "" {
		subj.userID = session.ClientReferenceID
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		subj.email = session.CustomerDetails.Email
	}

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		return &change{
			subject: subj,
			apply: func(rec *planmeter.SubscriptionRecord) {
				rec.Plan = planmeter.PlanLifetime
				rec.Status = planmeter.StatusCompleted
				rec.ProcessorSubscriptionID = ""
				rec.CurrentPeriodStart = nil
				rec.CurrentPeriodEnd = nil
				rec.CancelAtPeriodEnd = false
			},
		}, nil

	case stripe.CheckoutSessionModeSubscription:
		fallbackPlan := planFromMetadata(session.Metadata)
		subID := ""
		if session.Subscription != nil {
			subID = session.Subscription.ID
		}
		if subID == "" {
			return &change{
				subject:          subj,
				fromSubscription: true,
				apply: func(rec *planmeter.SubscriptionRecord) {
					rec.Plan = fallbackPlan
					rec.Status = planmeter.StatusActive
				},
			}, nil
		}

		sub, err := p.retrieveSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		if subj.userID != "" && sub.Metadata[metadataUserID] == "" {
			p.tagSubscription(ctx, sub.ID, subj.userID)
		}
		if subj.customerID == "" {
			subj.customerID = customerID(sub.Customer)
		}
		return p.subscriptionChange(sub, subj, fallbackPlan), nil

	default:
		// setup mode and anything newer grants nothing
		return nil, nil
	}
}

func subscriptionChanged(_ context.Context, p *Provider, event *stripe.Event) (*change, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return p.subscriptionChange(&sub, subscriptionSubject(&sub), planFromMetadata(sub.Metadata)), nil
}

func subscriptionDeleted(_ context.Context, _ *Provider, event *stripe.Event) (*change, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &change{
		subject:          subscriptionSubject(&sub),
		fromSubscription: true,
		apply: func(rec *planmeter.SubscriptionRecord) {
			if rec.ProcessorSubscriptionID != "" && rec.ProcessorSubscriptionID != sub.ID {
				// A different subscription of the same customer is current
				return
			}
			rec.Status = planmeter.StatusCanceled
			rec.ProcessorSubscriptionID = sub.ID
			rec.CancelAtPeriodEnd = false
		},
	}, nil
}

func invoicePaid(ctx context.Context, p *Provider, event *stripe.Event) (*change, error) {
	refs, err := decodeInvoice(event.Data.Raw)
	if err != nil {
		return nil, err
	}
	if refs.subscriptionID == "" {
		// Not a subscription invoice
		return nil, nil
	}

	sub, err := p.retrieveSubscription(ctx, refs.subscriptionID)
	if err != nil {
		return nil, err
	}
	subj := subscriptionSubject(sub)
	if subj.userID == "" {
		subj.userID = refs.metadata[metadataUserID]
	}
	if subj.customerID == "" {
		subj.customerID = refs.customerID
	}
	if subj.email == "" {
		subj.email = refs.email
	}
	return p.subscriptionChange(sub, subj, planFromMetadata(sub.Metadata)), nil
}

func invoiceFailed(_ context.Context, _ *Provider, event *stripe.Event) (*change, error) {
	refs, err := decodeInvoice(event.Data.Raw)
	if err != nil {
		return nil, err
	}
	if refs.subscriptionID == "" {
		return nil, nil
	}
	return &change{
		subject: subject{
			userID:     refs.metadata[metadataUserID],
			customerID: refs.customerID,
			email:      refs.email,
		},
		fromSubscription: true,
		apply: func(rec *planmeter.SubscriptionRecord) {
			if rec.ProcessorSubscriptionID != "" && rec.ProcessorSubscriptionID != refs.subscriptionID {
				return
			}
			rec.Status = planmeter.StatusPastDue
			rec.ProcessorSubscriptionID = refs.subscriptionID
		},
	}, nil
}

// subscriptionChange copies Stripe's authoritative subscription state onto the
// record
func (p *Provider) subscriptionChange(sub *stripe.Subscription, subj subject, fallbackPlan planmeter.Plan) *change {
	plan := p.planForSubscription(sub, fallbackPlan)
	status := mapStatus(sub.Status)
	start, end := subscriptionPeriod(sub)

	return &change{
		subject:          subj,
		fromSubscription: true,
		apply: func(rec *planmeter.SubscriptionRecord) {
			if rec.ProcessorSubscriptionID != "" && rec.ProcessorSubscriptionID != sub.ID &&
				entitled(rec.Status) && !entitled(status) {
				// An ended subscription never displaces a live one
				return
			}
			rec.Plan = plan
			rec.Status = status
			rec.ProcessorSubscriptionID = sub.ID
			rec.CurrentPeriodStart = start
			rec.CurrentPeriodEnd = end
			rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		},
	}
}

// planForSubscription maps the subscription's price to a plan through the
// price table, then the metadata plan, then pro
func (p *Provider) planForSubscription(sub *stripe.Subscription, fallback planmeter.Plan) planmeter.Plan {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if plan, ok := p.prices.PlanForPrice(item.Price.ID, item.Price.LookupKey); ok {
				return plan
			}
		}
	}
	return fallback
}

// mapStatus converts a Stripe subscription status. Anything not known to
// grant access maps to a non-entitled status.
func mapStatus(status stripe.SubscriptionStatus) planmeter.Status {
	switch status {
	case stripe.SubscriptionStatusActive:
		return planmeter.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return planmeter.StatusTrialing
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return planmeter.StatusCanceled
	default:
		// past_due, unpaid, incomplete, paused
		return planmeter.StatusPastDue
	}
}

// subscriptionPeriod reads the billing period from the subscription items
func subscriptionPeriod(sub *stripe.Subscription) (start, end *time.Time) {
	if sub.Items == nil {
		return nil, nil
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.CurrentPeriodEnd == 0 {
			continue
		}
		s := time.Unix(item.CurrentPeriodStart, 0).UTC()
		e := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		return &s, &e
	}
	return nil, nil
}

func entitled(status planmeter.Status) bool {
	return status == planmeter.StatusActive || status == planmeter.StatusTrialing
}

func subscriptionSubject(sub *stripe.Subscription) subject {
	subj := subject{
		userID:     sub.Metadata[metadataUserID],
		customerID: customerID(sub.Customer),
	}
	if sub.Customer != nil {
		subj.email = sub.Customer.Email
	}
	return subj
}

func planFromMetadata(metadata map[string]string) planmeter.Plan {
	if plan := planmeter.Plan(metadata[metadataPlan]); plan.Paid() {
		return plan
	}
	return planmeter.PlanPro
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// invoiceRefs holds the invoice fields the reconciler needs. The subscription
// reference moved under parent.subscription_details in recent API versions,
// so both places are read from the raw payload.
type invoiceRefs struct {
	subscriptionID string
	customerID     string
	email          string
	metadata       map[string]string
}

func decodeInvoice(raw json.RawMessage) (invoiceRefs, error) {
	var payload struct {
		Customer      json.RawMessage   `json:"customer"`
		CustomerEmail string            `json:"customer_email"`
		Subscription  json.RawMessage   `json:"subscription"`
		Metadata      map[string]string `json:"metadata"`
		Parent        *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage   `json:"subscription"`
				Metadata     map[string]string `json:"metadata"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return invoiceRefs{}, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	refs := invoiceRefs{
		subscriptionID: expandableID(payload.Subscription),
		customerID:     expandableID(payload.Customer),
		email:          payload.CustomerEmail,
		metadata:       payload.Metadata,
	}
	if payload.Parent != nil && payload.Parent.SubscriptionDetails != nil {
		details := payload.Parent.SubscriptionDetails
		if refs.subscriptionID == "" {
			refs.subscriptionID = expandableID(details.Subscription)
		}
		if refs.metadata[metadataUserID] == "" && details.Metadata != nil {
			refs.metadata = details.Metadata
		}
	}
	return refs, nil
}

// expandableID reads a Stripe expandable field, which is either an id string
// or an object with an id
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func (p *Provider) retrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	startTime := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, id, nil)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/retrieve", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "error")
		return nil, fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderAPIError, id, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "success")
	return sub, nil
}

// tagSubscription writes the user id into the subscription metadata so later
// events resolve on the first step. Failure only costs a slower resolution.
func (p *Provider) tagSubscription(ctx context.Context, subID, userID string) {
	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(metadataUserID, userID)
	if _, err := p.stripeClient.V1Subscriptions.Update(ctx, subID, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/update", "error")
		p.logger.Warn("failed to tag subscription with user id",
			planmeter.Field{Key: "subscription_id", Value: subID},
			planmeter.Field{Key: "error", Value: err},
		)
		return
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/update", "success")
}
