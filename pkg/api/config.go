package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// Config holds configuration for the billing and usage API handler
type Config struct {
	// Manager answers plan and quota questions (required)
	Manager *planmeter.Manager

	// Provider opens checkout and portal sessions. If nil, the session
	// endpoints respond 503.
	Provider billing.Provider

	// GetUserID extracts the authenticated account id from the request (required).
	// An empty result means the caller is not authenticated.
	GetUserID func(*http.Request) string

	// GetEmail optionally extracts the caller's email to prefill checkout
	GetEmail func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records unexpected errors (default: NoopLogger)
	Logger planmeter.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &planmeter.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header.
// Only use behind a proxy that authenticates the header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
