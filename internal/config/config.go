package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Stripe  StripeConfig  `mapstructure:"stripe"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Quota   QuotaConfig   `mapstructure:"quota"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type StorageConfig struct {
	Backend   string          `mapstructure:"backend"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	Tiered    TieredConfig    `mapstructure:"tiered"`
	Breaker   BreakerConfig   `mapstructure:"circuit_breaker"`
}

// BreakerConfig guards the storage backend. A zero threshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type PostgresConfig struct {
	DSN                 string        `mapstructure:"dsn"`
	MaxConns            int32         `mapstructure:"max_conns"`
	AccountsTable       string        `mapstructure:"accounts_table"`
	AutoMigrate         bool          `mapstructure:"auto_migrate"`
	DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type FirestoreConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// TieredConfig pairs a redis hot tier with a postgres cold tier
type TieredConfig struct {
	AsyncUsageSync bool `mapstructure:"async_usage_sync"`
	SyncBufferSize int  `mapstructure:"sync_buffer_size"`
}

type StripeConfig struct {
	APIKey          string             `mapstructure:"api_key"`
	WebhookSecret   string             `mapstructure:"webhook_secret"`
	APIBaseURL      string             `mapstructure:"api_base_url"`
	SuccessURL      string             `mapstructure:"success_url"`
	CancelURL       string             `mapstructure:"cancel_url"`
	PortalReturnURL string             `mapstructure:"portal_return_url"`
	TrustedProxies  []string           `mapstructure:"trusted_proxies"`
	Prices          billing.PriceTable `mapstructure:"prices"`
}

// Enabled reports whether the Stripe provider should be built
func (c StripeConfig) Enabled() bool {
	return c.APIKey != ""
}

type AuthConfig struct {
	JWKSURL    string        `mapstructure:"jwks_url"`
	HMACSecret string        `mapstructure:"hmac_secret"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	Leeway     time.Duration `mapstructure:"leeway"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type QuotaConfig struct {
	FreeLimits   map[string]int `mapstructure:"free_limits"`
	Timezone     string         `mapstructure:"timezone"`
	StoreTimeout time.Duration  `mapstructure:"store_timeout"`
}

// Location resolves the configured quota calendar
func (c QuotaConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Limits converts the configured free limits to manager categories
func (c QuotaConfig) Limits() map[planmeter.Category]int {
	limits := make(map[planmeter.Category]int, len(c.FreeLimits))
	for name, limit := range c.FreeLimits {
		limits[planmeter.Category(name)] = limit
	}
	return limits
}

// Load reads configuration from an optional .env file, an optional YAML file
// and PLANMETER_* environment variables, in increasing precedence. An empty
// path searches planmeter.yaml in the working directory and ./configs.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("planmeter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("PLANMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.accounts_table", "accounts")
	v.SetDefault("storage.postgres.auto_migrate", false)
	v.SetDefault("storage.postgres.dead_letter_retention", 30*24*time.Hour)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "planmeter:")
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.tiered.async_usage_sync", false)
	v.SetDefault("storage.tiered.sync_buffer_size", 1000)
	v.SetDefault("storage.circuit_breaker.failure_threshold", 5)
	v.SetDefault("storage.circuit_breaker.reset_timeout", 30*time.Second)

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.api_base_url", "")
	v.SetDefault("stripe.success_url", "")
	v.SetDefault("stripe.cancel_url", "")
	v.SetDefault("stripe.portal_return_url", "")
	v.SetDefault("stripe.trusted_proxies", []string{})

	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "planmeter.plan_changes")

	v.SetDefault("quota.free_limits", map[string]int{
		string(planmeter.CategoryAIGeneration): planmeter.DefaultFreeLimits[planmeter.CategoryAIGeneration],
		string(planmeter.CategoryDownload):     planmeter.DefaultFreeLimits[planmeter.CategoryDownload],
	})
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("quota.store_timeout", 3*time.Second)
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case BackendFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required for the firestore backend")
		}
	case BackendTiered:
		if c.Storage.Postgres.DSN == "" || c.Storage.Redis.Addr == "" {
			return fmt.Errorf("the tiered backend requires storage.redis.addr and storage.postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	for name, limit := range c.Quota.FreeLimits {
		if _, ok := planmeter.DefaultFreeLimits[planmeter.Category(name)]; !ok {
			return fmt.Errorf("quota.free_limits: unknown category %q", name)
		}
		if limit < 0 {
			return fmt.Errorf("quota.free_limits: %s must be non-negative", name)
		}
	}
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}

	if c.Stripe.Enabled() {
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("stripe.webhook_secret is required when stripe.api_key is set")
		}
		if err := c.Stripe.Prices.Validate(); err != nil {
			return fmt.Errorf("stripe.prices: %w", err)
		}
	}
	return nil
}
