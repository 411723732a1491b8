// Package echo provides Echo middleware for quota enforcement
package echo

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ActionExtractor names the metered action a request performs
type ActionExtractor func(c echo.Context) planmeter.ActionType

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
	OnQuotaExceeded func(c echo.Context, result planmeter.LimitResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the quota cannot be verified. The request is
	// always denied. If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error

	// Logger records usage that could not be written after the handler ran
	Logger planmeter.Logger
}

// Middleware creates an Echo middleware that enforces quota limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("planmeter/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("planmeter/echo: Config.GetUserID is required")
	}
	if cfg.GetAction == nil {
		panic("planmeter/echo: Config.GetAction is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = &planmeter.NoopLogger{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			ctx := c.Request().Context()
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
				return next(c)
			}

			if err := next(c); err != nil {
				return err
			}
			if status := c.Response().Status; status < 200 || status >= 300 {
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
}

func check(ctx context.Context, m *planmeter.Manager, userID string, action planmeter.ActionType) (planmeter.LimitResult, error) {
	category, ok := planmeter.CategoryOf(action)
	if !ok {
		return planmeter.LimitResult{}, planmeter.ErrInvalidAction
	}
	return m.CheckLimit(ctx, userID, category)
}

func setQuotaHeaders(c echo.Context, result planmeter.LimitResult) {
	if result.Unlimited {
		return
	}
	h := c.Response().Header()
	h.Set("X-Quota-Limit", strconv.Itoa(result.Max))
	h.Set("X-Quota-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-Quota-Reset", strconv.FormatInt(result.ResetDate.Unix(), 10))
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c echo.Context, result planmeter.LimitResult, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":    "Quota exceeded",
		"category": result.Category,
		"used":     result.Used,
		"limit":    result.Max,
		"reset_at": result.ResetDate,
	})
}

func defaultError(c echo.Context, err error) error {
	if errors.Is(err, planmeter.ErrInvalidAction) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
	}
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromRequest adapts a net/http extractor, such as auth.UserID
func FromRequest(f func(*http.Request) string) UserIDExtractor {
	return func(c echo.Context) string {
		return f(c.Request())
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for Action

// FixedAction returns an ActionExtractor that always returns the same action
func FixedAction(action planmeter.ActionType) ActionExtractor {
	return func(echo.Context) planmeter.ActionType {
		return action
	}
}

// ActionFromParam returns an ActionExtractor that reads the action from a route parameter
func ActionFromParam(paramName string) ActionExtractor {
	return func(c echo.Context) planmeter.ActionType {
		return planmeter.ActionType(c.Param(paramName))
	}
}
