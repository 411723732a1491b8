package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planmeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "planmeter.plan_changes", cfg.Kafka.Topic)
	assert.Equal(t, 3*time.Second, cfg.Quota.StoreTimeout)
	assert.Equal(t, 5, cfg.Storage.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Storage.Breaker.ResetTimeout)
	assert.False(t, cfg.Stripe.Enabled())

	limits := cfg.Quota.Limits()
	assert.Equal(t, 5, limits[planmeter.CategoryAIGeneration])
	assert.Equal(t, 1, limits[planmeter.CategoryDownload])

	loc, err := cfg.Quota.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  write_timeout: 30s
log:
  level: debug
  format: json
storage:
  backend: postgres
  postgres:
    dsn: postgres://localhost/planmeter
stripe:
  api_key: sk_test_123
  webhook_secret: whsec_123
  prices:
    pro_monthly:
      price_id: price_pro
      lookup_key: pro_monthly
      plan: pro
      mode: subscription
    lifetime:
      price_id: price_life
      plan: lifetime
      mode: payment
quota:
  timezone: Europe/Bucharest
  free_limits:
    ai_generation: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/planmeter", cfg.Storage.Postgres.DSN)
	assert.True(t, cfg.Stripe.Enabled())

	require.Len(t, cfg.Stripe.Prices, 2)
	pro, err := cfg.Stripe.Prices.Lookup("pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, planmeter.PlanPro, pro.Plan)
	assert.Equal(t, billing.ModeSubscription, pro.Mode)

	assert.Equal(t, 10, cfg.Quota.Limits()[planmeter.CategoryAIGeneration])
	loc, err := cfg.Quota.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Bucharest", loc.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\n")
	t.Setenv("PLANMETER_SERVER_ADDR", ":7070")
	t.Setenv("PLANMETER_STORAGE_BACKEND", "redis")
	t.Setenv("PLANMETER_STORAGE_REDIS_ADDR", "cache:6379")
	t.Setenv("PLANMETER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PLANMETER_STRIPE_TRUSTED_PROXIES", "10.0.0.0/8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Stripe.TrustedProxies)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Log:     LogConfig{Format: "console"},
			Storage: StorageConfig{Backend: BackendMemory},
			Quota:   QuotaConfig{Timezone: "UTC"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory is valid", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "unknown storage backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.postgres.dsn"},
		{"firestore without project", func(c *Config) { c.Storage.Backend = BackendFirestore }, "project_id"},
		{"tiered needs both tiers", func(c *Config) {
			c.Storage.Backend = BackendTiered
			c.Storage.Redis.Addr = "localhost:6379"
		}, "tiered backend"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"unknown category", func(c *Config) { c.Quota.FreeLimits = map[string]int{"uploads": 3} }, "unknown category"},
		{"negative limit", func(c *Config) { c.Quota.FreeLimits = map[string]int{"download": -1} }, "non-negative"},
		{"bad timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, "quota.timezone"},
		{"stripe without webhook secret", func(c *Config) { c.Stripe.APIKey = "sk_test" }, "webhook_secret"},
		{"stripe with free plan price", func(c *Config) {
			c.Stripe.APIKey = "sk_test"
			c.Stripe.WebhookSecret = "whsec"
			c.Stripe.Prices = billing.PriceTable{"free": {PriceID: "price_free", Plan: planmeter.PlanFree, Mode: billing.ModeSubscription}}
		}, "stripe.prices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
