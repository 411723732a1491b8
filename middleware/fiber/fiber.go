// Package fiber provides Fiber middleware for quota enforcement
package fiber

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ActionExtractor names the metered action a request performs
type ActionExtractor func(c *fiber.Ctx) planmeter.ActionType

// Config holds middleware configuration
type Config struct {
	// Manager is the quota manager instance
	Manager *planmeter.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetAction names the metered action (required)
	GetAction ActionExtractor

	// Reserve records the action atomically with the quota check before the
	// handler runs. When false the action is recorded after a 2xx response.
	Reserve bool

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c *fiber.Ctx, result planmeter.LimitResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the quota cannot be verified. The request is
	// always denied. If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error

	// Logger records usage that could not be written after the handler ran
	Logger planmeter.Logger
}

// Middleware creates a Fiber middleware that enforces quota limits
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("planmeter/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("planmeter/fiber: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("planmeter/fiber: Config.GetAction is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusTooManyRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = &planmeter.NoopLogger{}
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		ctx := c.UserContext()
		action := cfg.GetAction(c)

		var (
			result planmeter.LimitResult
			err    error
		)
		if cfg.Reserve {
			result, err = cfg.Manager.Consume(ctx, userID, action)
		} else {
			result, err = check(ctx, cfg.Manager, userID, action)
		}

		if err != nil || !result.Allowed {
			if err == nil || errors.Is(err, planmeter.ErrQuotaExceeded) {
				setQuotaHeaders(c, result)
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, result)
				}
				return defaultQuotaExceeded(c, result, cfg.QuotaExceededStatusCode)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		setQuotaHeaders(c, result)
		if cfg.Reserve {
			return c.Next()
		}

		if err := c.Next(); err != nil {
			return err
		}
		if status := c.Response().StatusCode(); status < 200 || status >= 300 {
			return nil
		}
		if err := cfg.Manager.RecordUsage(context.WithoutCancel(ctx), userID, action); err != nil {
			cfg.Logger.Error("failed to record usage after response",
				planmeter.Field{Key: "user_id", Value: userID},
				planmeter.Field{Key: "action", Value: string(action)},
				planmeter.Field{Key: "error", Value: err.Error()},
			)
		}
		return nil
	}
}

func check(ctx context.Context, m *planmeter.Manager, userID string, action planmeter.ActionType) (planmeter.LimitResult, error) {
	category, ok := planmeter.CategoryOf(action)
	if !ok {
		return planmeter.LimitResult{}, planmeter.ErrInvalidAction
	}
	return m.CheckLimit(ctx, userID, category)
}

func setQuotaHeaders(c *fiber.Ctx, result planmeter.LimitResult) {
	if result.Unlimited {
		return
	}
	c.Set("X-Quota-Limit", strconv.Itoa(result.Max))
	c.Set("X-Quota-Remaining", strconv.Itoa(result.Remaining))
	c.Set("X-Quota-Reset", strconv.FormatInt(result.ResetDate.Unix(), 10))
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c *fiber.Ctx, result planmeter.LimitResult, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":    "Quota exceeded",
		"category": result.Category,
		"used":     result.Used,
		"limit":    result.Max,
		"reset_at": result.ResetDate,
	})
}

func defaultError(c *fiber.Ctx, err error) error {
	if errors.Is(err, planmeter.ErrInvalidAction) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
	}
	return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an auth middleware via c.Locals(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val, ok := c.Locals(key).(string); ok {
			return val
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for Action

// FixedAction returns an ActionExtractor that always returns the same action
func FixedAction(action planmeter.ActionType) ActionExtractor {
	return func(*fiber.Ctx) planmeter.ActionType {
		return action
	}
}

// ActionFromParam returns an ActionExtractor that reads the action from a route parameter
func ActionFromParam(paramName string) ActionExtractor {
	return func(c *fiber.Ctx) planmeter.ActionType {
		return planmeter.ActionType(c.Params(paramName))
	}
}
