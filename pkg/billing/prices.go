package billing

import (
	"fmt"
	"strings"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// CheckoutMode is how a price is charged
type CheckoutMode string

const (
	ModeSubscription CheckoutMode = "subscription"
	ModePayment      CheckoutMode = "payment"
)

// Price is one purchasable plan
type Price struct {
	// PriceID is the processor price identifier. Never accepted from clients.
	PriceID string `mapstructure:"price_id"`

	// LookupKey is the processor price lookup key, used to map events back to plans
	LookupKey string `mapstructure:"lookup_key"`

	// Plan is the tier the price grants
	Plan planmeter.Plan `mapstructure:"plan"`

	// Mode is subscription for recurring prices and payment for one-time purchases
	Mode CheckoutMode `mapstructure:"mode"`
}

// PriceTable maps symbolic plan keys (e.g. "pro_monthly") to prices
type PriceTable map[string]Price

// Validate checks every entry of the table
func (t PriceTable) Validate() error {
	for key, price := range t {
		if price.PriceID == "" {
			return fmt.Errorf("plan key %q: price id is required", key)
		}
		if !price.Plan.Paid() {
			return fmt.Errorf("plan key %q: plan %q is not a paid plan", key, price.Plan)
		}
		switch price.Mode {
		case ModeSubscription, ModePayment:
		default:
			return fmt.Errorf("plan key %q: unknown mode %q", key, price.Mode)
		}
	}
	return nil
}

// Lookup returns the price for a client-supplied plan key
func (t PriceTable) Lookup(planKey string) (Price, error) {
	price, ok := t[strings.ToLower(strings.TrimSpace(planKey))]
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnknownPlanKey, planKey)
	}
	return price, nil
}

// PlanForPrice maps a processor price back to a plan. The lookup key is matched
// against the table first, then the price id, then the lookup key's leading
// segment ("premium_monthly" => premium).
func (t PriceTable) PlanForPrice(priceID, lookupKey string) (planmeter.Plan, bool) {
	lookupKey = strings.ToLower(lookupKey)
	if lookupKey != "" {
		for _, price := range t {
			if strings.EqualFold(price.LookupKey, lookupKey) {
				return price.Plan, true
			}
		}
	}
	if priceID != "" {
		for _, price := range t {
			if price.PriceID == priceID {
				return price.Plan, true
			}
		}
	}
	if lookupKey != "" {
		prefix, _, _ := strings.Cut(lookupKey, "_")
		if plan := planmeter.Plan(prefix); plan.Paid() {
			return plan, true
		}
	}
	return "", false
}
