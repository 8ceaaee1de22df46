// Package echo provides Echo middleware that attaches a client's current
// billing period to the request
package echo

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	cyclehttp "github.com/mihaimyh/gocycle/middleware/http"
	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// PeriodKey is the Echo context key holding the resolved gocycle.BillingPeriod
const PeriodKey = "gocycle.billingPeriod"

// ClientIDExtractor extracts the client ID from an Echo context
// Return empty string if the client is unknown
type ClientIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnScheduleMissing is called when RequireSchedule is set and the client
	// has no schedule. If nil, returns 404 JSON
	OnScheduleMissing func(c echo.Context, clientID string) error

	// OnError is called when an internal error occurs
	// If nil, returns JSON with the status api.StatusCode maps the error to
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that resolves the client's current
// billing period. Handlers read it with Period(c) or from the request context.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gocycle/echo: Config.Manager is required")
	}
	if cfg.GetClientID == nil {
		panic("gocycle/echo: Config.GetClientID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientID := cfg.GetClientID(c)
			if clientID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			req := c.Request()
			ctx := req.Context()
			period, err := cyclehttp.Resolve(ctx, cfg.Manager, clientID, cfg.Now(), cfg.AutoInitialize)
			if errors.Is(err, gocycle.ErrScheduleNotFound) {
				if !cfg.RequireSchedule {
					return next(c)
				}
				if cfg.OnScheduleMissing != nil {
					return cfg.OnScheduleMissing(c, clientID)
				}
				return c.JSON(http.StatusNotFound, map[string]string{"error": "Billing schedule not found"})
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				status := api.StatusCode(err)
				return c.JSON(status, map[string]string{"error": http.StatusText(status)})
			}

			if !cfg.DisableHeaders {
				c.Response().Header().Set(cyclehttp.HeaderPeriodStart, gocycle.FormatDate(period.Start))
				c.Response().Header().Set(cyclehttp.HeaderPeriodEnd, gocycle.FormatDate(period.End))
			}
			c.Set(PeriodKey, period)
			c.SetRequest(req.WithContext(gocycle.WithBillingPeriod(ctx, clientID, period)))
			return next(c)
		}
	}
}

// Period returns the period set by Middleware
func Period(c echo.Context) (gocycle.BillingPeriod, bool) {
	p, ok := c.Get(PeriodKey).(gocycle.BillingPeriod)
	return p, ok
}

// Router is satisfied by *echo.Echo and *echo.Group
type Router interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
}

// Mount registers every billing API route on r. prefix must match the
// router's own prefix (empty for *echo.Echo); it is stripped before dispatch,
// so the handler must be built with an empty BasePath.
func Mount(r Router, prefix string, handler http.Handler, middleware ...echo.MiddlewareFunc) {
	h := echo.WrapHandler(http.StripPrefix(strings.TrimSuffix(prefix, "/"), handler))
	for _, route := range api.Routes() {
		r.Add(route.Method, echoPath(route.Path), h, middleware...)
	}
}

var pathParams = strings.NewReplacer("{", ":", "}", "")

func echoPath(p string) string {
	return pathParams.Replace(p)
}

// Convenience extractors for Client ID

// FromContext returns a ClientIDExtractor that gets client ID from Echo context values
func FromContext(key string) ClientIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ClientIDExtractor that gets client ID from a header
func FromHeader(headerName string) ClientIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a ClientIDExtractor that gets client ID from a route parameter
func FromParam(paramName string) ClientIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a ClientIDExtractor that gets client ID from a query parameter
func FromQuery(queryName string) ClientIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
