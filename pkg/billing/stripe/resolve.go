package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// resolveUser maps an event subject to an account. First match wins:
//
//  1. the user_id carried in event metadata, if that account exists
//  2. the record already linked to the Stripe customer id
//  3. the customer's user_id metadata, then its billing email matched against
//     the account directory with a bounded scan
//
// Returns billing.ErrUnresolvedUser when nothing matches. Store and API
// failures are returned as-is so the event is redelivered.
func (p *Provider) resolveUser(ctx context.Context, subj subject) (string, error) {
	if subj.userID != "" {
		ok, err := p.accountExists(ctx, subj.userID)
		if err != nil {
			return "", err
		}
		if ok {
			return subj.userID, nil
		}
		p.logger.Warn("event metadata names an unknown account",
			planmeter.Field{Key: "user_id", Value: subj.userID},
			planmeter.Field{Key: "customer_id", Value: subj.customerID},
		)
	}

	if subj.customerID != "" {
		sctx, cancel := p.storeCtx(ctx)
		rec, err := p.records.GetRecordByCustomerID(sctx, subj.customerID)
		cancel()
		if err == nil {
			return rec.UserID, nil
		}
		if !errors.Is(err, planmeter.ErrRecordNotFound) {
			return "", fmt.Errorf("failed to look up customer %s: %w", subj.customerID, err)
		}
	}

	email := subj.email
	if subj.customerID != "" {
		startTime := time.Now()
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, subj.customerID, nil)
		p.metrics.RecordAPICallDuration(providerName, "/customers/retrieve", time.Since(startTime))
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/retrieve", "error")
			return "", fmt.Errorf("%w: retrieve customer %s: %v", billing.ErrProviderAPIError, subj.customerID, err)
		}
		p.metrics.RecordAPICall(providerName, "/customers/retrieve", "success")

		if metaID := cust.Metadata[metadataUserID]; metaID != "" && metaID != subj.userID {
			ok, err := p.accountExists(ctx, metaID)
			if err != nil {
				return "", err
			}
			if ok {
				return metaID, nil
			}
		}
		if cust.Email != "" {
			email = cust.Email
		}
	}

	if email != "" {
		sctx, cancel := p.storeCtx(ctx)
		userID, err := billing.FindAccountByEmail(sctx, p.accounts, email, p.config.EmailScan)
		cancel()
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, billing.ErrAccountNotFound) {
			return "", fmt.Errorf("failed to scan accounts by email: %w", err)
		}
	}

	return "", billing.ErrUnresolvedUser
}

func (p *Provider) accountExists(ctx context.Context, userID string) (bool, error) {
	sctx, cancel := p.storeCtx(ctx)
	defer cancel()

	ok, err := p.accounts.AccountExists(sctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to verify account %s: %w", userID, err)
	}
	return ok, nil
}
