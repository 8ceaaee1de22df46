// Package gin provides Gin middleware that attaches a client's current
// billing period to the request
package gin

import (
	"errors"
	"net/http"
	"strings"
	"time"

	gongin "github.com/gin-gonic/gin"

	cyclehttp "github.com/mihaimyh/gocycle/middleware/http"
	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// PeriodKey is the Gin context key holding the resolved gocycle.BillingPeriod
const PeriodKey = "gocycle.billingPeriod"

// ClientIDExtractor extracts the client ID from a Gin context
// Return empty string if the client is unknown
type ClientIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the billing cycle manager instance
	Manager *gocycle.Manager

	// GetClientID extracts client ID from context (required)
	GetClientID ClientIDExtractor

	// RequireSchedule rejects clients without a billing schedule.
	// If false, such requests continue with no period set.
	RequireSchedule bool

	// AutoInitialize assigns the manager's default schedule to clients
	// without one
	AutoInitialize bool

	// DisableHeaders skips the X-Billing-Period-* response headers
	DisableHeaders bool

	// Now returns the instant whose period is resolved (default: time.Now)
	Now func() time.Time

	// OnUnauthorized is called when no client ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnScheduleMissing is called when RequireSchedule is set and the client
	// has no schedule. If nil, returns 404 JSON
	OnScheduleMissing func(c *gongin.Context, clientID string)

	// OnError is called when an internal error occurs
	// If nil, returns JSON with the status api.StatusCode maps the error to
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that resolves the client's current
// billing period. Handlers read it with Period(c) or from the request context.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gocycle/gin: Config.Manager is required")
	}
	if cfg.GetClientID == nil {
		panic("gocycle/gin: Config.GetClientID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		clientID := cfg.GetClientID(c)
		if clientID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		period, err := cyclehttp.Resolve(ctx, cfg.Manager, clientID, cfg.Now(), cfg.AutoInitialize)
		if errors.Is(err, gocycle.ErrScheduleNotFound) {
			if !cfg.RequireSchedule {
				c.Next()
				return
			}
			if cfg.OnScheduleMissing != nil {
				cfg.OnScheduleMissing(c, clientID)
			} else {
				c.JSON(http.StatusNotFound, gongin.H{"error": "Billing schedule not found"})
			}
			c.Abort()
			return
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				status := api.StatusCode(err)
				c.JSON(status, gongin.H{"error": http.StatusText(status)})
			}
			c.Abort()
			return
		}

		if !cfg.DisableHeaders {
			c.Header(cyclehttp.HeaderPeriodStart, gocycle.FormatDate(period.Start))
			c.Header(cyclehttp.HeaderPeriodEnd, gocycle.FormatDate(period.End))
		}
		c.Set(PeriodKey, period)
		c.Request = c.Request.WithContext(gocycle.WithBillingPeriod(ctx, clientID, period))
		c.Next()
	}
}

// Period returns the period set by Middleware
func Period(c *gongin.Context) (gocycle.BillingPeriod, bool) {
	if val, exists := c.Get(PeriodKey); exists {
		p, ok := val.(gocycle.BillingPeriod)
		return p, ok
	}
	return gocycle.BillingPeriod{}, false
}

// Mount registers every billing API route on group. The handler must be built
// with an empty BasePath; the group's prefix is stripped before dispatch.
func Mount(group *gongin.RouterGroup, handler http.Handler) {
	prefix := strings.TrimSuffix(group.BasePath(), "/")
	h := gongin.WrapH(http.StripPrefix(prefix, handler))
	for _, route := range api.Routes() {
		group.Handle(route.Method, ginPath(route.Path), h)
	}
}

var pathParams = strings.NewReplacer("{", ":", "}", "")

func ginPath(p string) string {
	return pathParams.Replace(p)
}

// Convenience extractors for Client ID

// FromContext returns a ClientIDExtractor that gets client ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Set("ClientID", "...") or similar.
func FromContext(key string) ClientIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ClientIDExtractor that gets client ID from a header
func FromHeader(headerName string) ClientIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a ClientIDExtractor that gets client ID from a route parameter
func FromParam(paramName string) ClientIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a ClientIDExtractor that gets client ID from a query parameter
func FromQuery(queryName string) ClientIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
