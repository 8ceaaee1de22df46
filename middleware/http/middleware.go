// Package http provides HTTP middleware that attaches a client's current
// billing period to the request
package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

const (
	// HeaderPeriodStart carries the current period's first day (YYYY-MM-DD)
	HeaderPeriodStart = "X-Billing-Period-Start"
	// HeaderPeriodEnd carries the current period's exclusive end (YYYY-MM-DD)
	HeaderPeriodEnd = "X-Billing-Period-End"
)

// ClientIDExtractor extracts the client ID from an HTTP request
// Return empty string if the client is unknown
type ClientIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the billing cycle manager instance (required)
	Manager *gocycle.Manager

	// GetClientID extracts client ID from request (required)
	GetClientID ClientIDExtractor

	// RequireSchedule rejects clients without a billing schedule.
	// If false, such requests pass through with no period in context.
	RequireSchedule bool

	// AutoInitialize assigns the manager's default schedule to clients
	// without one before resolving the period
	AutoInitialize bool

	// DisableHeaders skips the X-Billing-Period-* response headers
	DisableHeaders bool

	// Now returns the instant whose period is resolved (default: time.Now)
	Now func() time.Time

	// OnUnauthorized is called when no client ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnScheduleMissing is called when RequireSchedule is set and the client
	// has no schedule. If nil, returns 404 Not Found
	OnScheduleMissing func(w http.ResponseWriter, r *http.Request, clientID string)

	// OnError is called when an internal error occurs
	// If nil, responds with the status api.StatusCode maps the error to
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that resolves the client's current
// billing period and stores it in the request context
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gocycle/http: Config.Manager is required")
	}
	if config.GetClientID == nil {
		panic("gocycle/http: Config.GetClientID is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := config.GetClientID(r)
			if clientID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			period, err := Resolve(ctx, config.Manager, clientID, config.Now(), config.AutoInitialize)
			switch {
			case errors.Is(err, gocycle.ErrScheduleNotFound):
				if config.RequireSchedule {
					if config.OnScheduleMissing != nil {
						config.OnScheduleMissing(w, r, clientID)
					} else {
						http.Error(w, "Billing schedule not found", http.StatusNotFound)
					}
					return
				}
				next.ServeHTTP(w, r)
				return
			case err != nil:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, http.StatusText(api.StatusCode(err)), api.StatusCode(err))
				}
				return
			}

			if !config.DisableHeaders {
				w.Header().Set(HeaderPeriodStart, gocycle.FormatDate(period.Start))
				w.Header().Set(HeaderPeriodEnd, gocycle.FormatDate(period.End))
			}
			next.ServeHTTP(w, r.WithContext(gocycle.WithBillingPeriod(ctx, clientID, period)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that resolves the billing period (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Resolve returns the client's current period at now. With initialize set, a
// client without a schedule first receives the manager's default schedule.
func Resolve(ctx context.Context, manager *gocycle.Manager, clientID string, now time.Time,
	initialize bool) (gocycle.BillingPeriod, error) {
	period, err := manager.CurrentPeriod(ctx, clientID, now)
	if !initialize || !errors.Is(err, gocycle.ErrScheduleNotFound) {
		return period, err
	}
	if _, _, err := manager.InitializeSchedule(ctx, clientID); err != nil {
		return gocycle.BillingPeriod{}, err
	}
	return manager.CurrentPeriod(ctx, clientID, now)
}

// Mount registers the billing API on mux under prefix. The handler must be
// built with an empty BasePath.
func Mount(mux *http.ServeMux, prefix string, handler http.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, handler))
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// ClientIDKey is the context key for client ID
	ClientIDKey ContextKey = "gocycle:clientID"
)

// FromContext returns a ClientIDExtractor that gets client ID from request context
func FromContext(key ContextKey) ClientIDExtractor {
	return func(r *http.Request) string {
		if clientID, ok := r.Context().Value(key).(string); ok {
			return clientID
		}
		return ""
	}
}

// FromHeader returns a ClientIDExtractor that gets client ID from a header
func FromHeader(headerName string) ClientIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPathValue returns a ClientIDExtractor that reads a ServeMux wildcard
func FromPathValue(name string) ClientIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithClientID adds client ID to request context
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}
