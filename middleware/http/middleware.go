// Package http provides HTTP middleware for credit enforcement
package http

import (
	"net/http"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CostExtractor calculates the credit cost of serving the request
// For example: a flat cost per image, or a cost derived from the body
type CostExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the credit manager instance
	Manager *credits.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCost calculates the credit cost from the request (required)
	GetCost CostExtractor

	// OnInsufficientCredits is called when the user cannot afford the cost
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, available int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireCredits creates an HTTP middleware that rejects requests the user
// cannot afford. The check is advisory: it reads a possibly cached balance
// and does not deduct anything, so the handler behind it must still perform
// the atomic deduction and handle ErrInsufficientCredits. The middleware
// only keeps obviously broke users off the paid path.
func RequireCredits(config Config) func(http.Handler) http.Handler {
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

			cost, err := config.GetCost(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()
			ok, err := config.Manager.CanAfford(ctx, userID, cost)
			if err != nil {
				if err == credits.ErrAccountNotFound {
					ok = false
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
			}
			if !ok {
				available, _ := config.Manager.Available(ctx, userID)
				if config.OnInsufficientCredits != nil {
					config.OnInsufficientCredits(w, r, available)
				} else {
					http.Error(w, "Insufficient credits", http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireCredits(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(r *http.Request) (int, error) {
		return cost, nil
	}
}

// FromHeader returns a UserIDExtractor that reads a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
