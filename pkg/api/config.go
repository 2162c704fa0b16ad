package api

import (
	"fmt"
	"net/http"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

// Config holds configuration for the HTTP API handler
type Config struct {
	// Credits is the credit manager instance (required)
	Credits *credits.Manager

	// Generation is the generation service instance (required)
	Generation *generation.Service

	// GetUserID extracts user ID from HTTP request (required for the
	// balance and transaction endpoints)
	GetUserID func(*http.Request) string

	// CallbackToken, when set, is required in the X-Callback-Token header
	// of provider callbacks. If empty, callbacks are not authenticated.
	CallbackToken string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Credits == nil {
		return fmt.Errorf("credit manager is required")
	}
	if c.Generation == nil {
		return fmt.Errorf("generation service is required")
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
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
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
