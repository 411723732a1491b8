// Package http provides HTTP middleware for quota enforcement
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ActionExtractor names the metered action a request performs
type ActionExtractor func(r *http.Request) planmeter.ActionType

// Config holds middleware configuration
type Config struct {
	// Manager is the quota manager instance
	Manager *planmeter.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetAction names the metered action (required)
	GetAction ActionExtractor

	// Reserve records the action before the handler runs, atomically with
	// the quota check, so concurrent requests can never overshoot the free
	// allowance. The entry stays recorded even if the handler fails.
	// When false the action is recorded only after a 2xx response.
	Reserve bool

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, returns 429 Too Many Requests
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, result planmeter.LimitResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the quota cannot be verified. The request is
	// always denied. If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger records usage that could not be written after the handler ran
	Logger planmeter.Logger
}

// Middleware creates an HTTP middleware that enforces quota limits
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("planmeter/http: Config.Manager is required")
	}
	if config.GetUserID == nil || config.GetAction == nil {
		panic("planmeter/http: Config.GetUserID and Config.GetAction are required")
	}
	if config.Logger == nil {
		config.Logger = &planmeter.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			action := config.GetAction(r)

			var (
				result planmeter.LimitResult
				err    error
			)
			if config.Reserve {
				result, err = config.Manager.Consume(ctx, userID, action)
			} else {
				result, err = check(ctx, config.Manager, userID, action)
			}

			if err != nil || !result.Allowed {
				if err == nil || errors.Is(err, planmeter.ErrQuotaExceeded) {
					setQuotaHeaders(w.Header(), result)
					if config.OnQuotaExceeded != nil {
						config.OnQuotaExceeded(w, r, result)
					} else {
						http.Error(w, "Quota exceeded", http.StatusTooManyRequests)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if errors.Is(err, planmeter.ErrInvalidAction) {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				} else {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				}
				return
			}

			setQuotaHeaders(w.Header(), result)
			if config.Reserve {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status < 200 || sw.status >= 300 {
				return
			}
			// The handler may have canceled or finished with the request context
			if err := config.Manager.RecordUsage(context.WithoutCancel(ctx), userID, action); err != nil {
				config.Logger.Error("failed to record usage after response",
					planmeter.Field{Key: "user_id", Value: userID},
					planmeter.Field{Key: "action", Value: string(action)},
					planmeter.Field{Key: "error", Value: err.Error()},
				)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
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

// setQuotaHeaders advertises the free-tier standing. Unlimited plans get none.
func setQuotaHeaders(h http.Header, result planmeter.LimitResult) {
	if result.Unlimited {
		return
	}
	h.Set("X-Quota-Limit", strconv.Itoa(result.Max))
	h.Set("X-Quota-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-Quota-Reset", strconv.FormatInt(result.ResetDate.Unix(), 10))
}

// statusWriter captures the status code written by the wrapped handler
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "quota:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedAction returns an ActionExtractor that always returns the same action
func FixedAction(action planmeter.ActionType) ActionExtractor {
	return func(*http.Request) planmeter.ActionType {
		return action
	}
}

// ActionFromQuery returns an ActionExtractor that reads the action from a
// query parameter, falling back to def when absent
func ActionFromQuery(param string, def planmeter.ActionType) ActionExtractor {
	return func(r *http.Request) planmeter.ActionType {
		if v := r.URL.Query().Get(param); v != "" {
			return planmeter.ActionType(v)
		}
		return def
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
