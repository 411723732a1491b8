// Package gin provides Gin middleware for quota enforcement
package gin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ActionExtractor names the metered action a request performs
type ActionExtractor func(c *gongin.Context) planmeter.ActionType

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
	OnQuotaExceeded func(c *gongin.Context, result planmeter.LimitResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the quota cannot be verified. The request is
	// always denied. If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)

	// Logger records usage that could not be written after the handler ran
	Logger planmeter.Logger
}

// Middleware creates a Gin middleware that enforces quota limits
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("planmeter/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("planmeter/gin: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("planmeter/gin: Config.GetAction is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = &planmeter.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
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
					cfg.OnQuotaExceeded(c, result)
				} else {
					defaultQuotaExceeded(c, result, cfg.QuotaExceededStatusCode)
				}
				c.Abort()
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		setQuotaHeaders(c, result)
		c.Next()

		if cfg.Reserve {
			return
		}
		if status := c.Writer.Status(); status < 200 || status >= 300 {
			return
		}
		if err := cfg.Manager.RecordUsage(context.WithoutCancel(ctx), userID, action); err != nil {
			cfg.Logger.Error("failed to record usage after response",
				planmeter.Field{Key: "user_id", Value: userID},
				planmeter.Field{Key: "action", Value: string(action)},
				planmeter.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

func check(ctx context.Context, m *planmeter.Manager, userID string, action planmeter.ActionType) (planmeter.LimitResult, error) {
	category, ok := planmeter.CategoryOf(action)
	if !ok {
		return planmeter.LimitResult{}, planmeter.ErrInvalidAction
	}
	return m.CheckLimit(ctx, userID, category)
}

func setQuotaHeaders(c *gongin.Context, result planmeter.LimitResult) {
	if result.Unlimited {
		return
	}
	c.Header("X-Quota-Limit", strconv.Itoa(result.Max))
	c.Header("X-Quota-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-Quota-Reset", strconv.FormatInt(result.ResetDate.Unix(), 10))
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c *gongin.Context, result planmeter.LimitResult, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":    "Quota exceeded",
		"category": result.Category,
		"used":     result.Used,
		"limit":    result.Max,
		"reset_at": result.ResetDate,
	})
}

func defaultError(c *gongin.Context, err error) {
	if errors.Is(err, planmeter.ErrInvalidAction) {
		c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromRequest adapts a net/http extractor, such as auth.UserID
func FromRequest(f func(*http.Request) string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return f(c.Request)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Action

// FixedAction returns an ActionExtractor that always returns the same action
func FixedAction(action planmeter.ActionType) ActionExtractor {
	return func(*gongin.Context) planmeter.ActionType {
		return action
	}
}

// ActionFromParam returns an ActionExtractor that reads the action from a route parameter
func ActionFromParam(paramName string) ActionExtractor {
	return func(c *gongin.Context) planmeter.ActionType {
		return planmeter.ActionType(c.Param(paramName))
	}
}
