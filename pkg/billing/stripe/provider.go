package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/billing/internal"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultStoreTimeout      = 5 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultMaxBodyBytes      = 256 * 1024
	metadataUserID           = "user_id"
	metadataPlan             = "plan"
	metadataPlanKey          = "plan_key"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Records, Accounts, Prices, etc.)

	// APIBaseURL overrides the Stripe API endpoint (stripe-mock or tests)
	APIBaseURL string

	// RateLimitRequests is the per-IP webhook allowance per RateLimitWindow
	// (default: 100 per minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TrustedProxies lists proxy CIDRs or IPs whose X-Forwarded-For header is
	// honoured. Empty keys the limiter on the connection's peer address.
	TrustedProxies []string

	// MaxBodyBytes bounds webhook payloads (default: 256 KiB)
	MaxBodyBytes int64
}

// Provider implements billing.Provider for Stripe. It is the only writer of
// subscription records.
type Provider struct {
	config        Config
	records       planmeter.RecordStore
	accounts      billing.AccountDirectory
	deadLetters   billing.DeadLetterStore
	prices        billing.PriceTable
	webhookSecret string
	stripeClient  *stripe.Client
	rateLimiter   *internal.RateLimiter
	metrics       billing.Metrics
	logger        planmeter.Logger
	now           func() time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Records == nil || config.Accounts == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	if err := config.Prices.Validate(); err != nil {
		return nil, err
	}

	trusted, err := internal.ParseTrustedProxies(config.TrustedProxies)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: httpClient,
	}
	if config.APIBaseURL != "" {
		backendConfig.URL = stripe.String(config.APIBaseURL)
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaultStoreTimeout
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &planmeter.NoopLogger{}
	}

	return &Provider{
		config:        config,
		records:       config.Records,
		accounts:      config.Accounts,
		deadLetters:   config.DeadLetters,
		prices:        config.Prices,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		stripeClient:  stripeClient,
		rateLimiter:   internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow).WithTrustedProxies(trusted),
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser re-reads the user's subscriptions from Stripe and stores the
// current state
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	plan, err := p.syncUserFromAPI(ctx, userID)
	return string(plan), err
}

// storeCtx bounds a single store call
func (p *Provider) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.config.StoreTimeout)
}

func (p *Provider) getRecord(ctx context.Context, userID string) (*planmeter.SubscriptionRecord, error) {
	ctx, cancel := p.storeCtx(ctx)
	defer cancel()
	return p.records.GetRecord(ctx, userID)
}

var _ billing.Provider = (*Provider)(nil)
