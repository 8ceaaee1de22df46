// Package fiber provides Fiber middleware that attaches a client's current
// billing period to the request
package fiber

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	cyclehttp "github.com/mihaimyh/gocycle/middleware/http"
	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// PeriodKey is the Locals key holding the resolved gocycle.BillingPeriod
const PeriodKey = "gocycle.billingPeriod"

// ClientIDExtractor extracts the client ID from a Fiber context
// Return empty string if the client is unknown
type ClientIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnScheduleMissing is called when RequireSchedule is set and the client
	// has no schedule. If nil, returns 404 JSON
	OnScheduleMissing func(c *fiber.Ctx, clientID string) error

	// OnError is called when an internal error occurs
	// If nil, returns JSON with the status api.StatusCode maps the error to
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that resolves the client's current
// billing period. Handlers read it with Period(c) or from c.UserContext().
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gocycle/fiber: Config.Manager is required")
	}
	if cfg.GetClientID == nil {
		panic("gocycle/fiber: Config.GetClientID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		clientID := cfg.GetClientID(c)
		if clientID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber uses fasthttp, so the request context lives in UserContext
		ctx := c.UserContext()
		period, err := cyclehttp.Resolve(ctx, cfg.Manager, clientID, cfg.Now(), cfg.AutoInitialize)
		if errors.Is(err, gocycle.ErrScheduleNotFound) {
			if !cfg.RequireSchedule {
				return c.Next()
			}
			if cfg.OnScheduleMissing != nil {
				return cfg.OnScheduleMissing(c, clientID)
			}
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Billing schedule not found"})
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			status := api.StatusCode(err)
			return c.Status(status).JSON(fiber.Map{"error": http.StatusText(status)})
		}

		if !cfg.DisableHeaders {
			c.Set(cyclehttp.HeaderPeriodStart, gocycle.FormatDate(period.Start))
			c.Set(cyclehttp.HeaderPeriodEnd, gocycle.FormatDate(period.End))
		}
		c.Locals(PeriodKey, period)
		c.SetUserContext(gocycle.WithBillingPeriod(ctx, clientID, period))
		return c.Next()
	}
}

// Period returns the period set by Middleware
func Period(c *fiber.Ctx) (gocycle.BillingPeriod, bool) {
	p, ok := c.Locals(PeriodKey).(gocycle.BillingPeriod)
	return p, ok
}

// Mount registers every billing API route on r through the net/http adaptor.
// prefix must match the router's own prefix (empty for *fiber.App); it is
// stripped before dispatch, so the handler must be built with an empty BasePath.
func Mount(r fiber.Router, prefix string, handler http.Handler) {
	h := adaptor.HTTPHandler(http.StripPrefix(strings.TrimSuffix(prefix, "/"), handler))
	for _, route := range api.Routes() {
		r.Add(route.Method, fiberPath(route.Path), h)
	}
}

var pathParams = strings.NewReplacer("{", ":", "}", "")

func fiberPath(p string) string {
	return pathParams.Replace(p)
}

// Convenience extractors for Client ID

// FromContext returns a ClientIDExtractor that gets client ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Locals("ClientID", "...") or similar.
func FromContext(key string) ClientIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ClientIDExtractor that gets client ID from a header
func FromHeader(headerName string) ClientIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a ClientIDExtractor that gets client ID from a route parameter
func FromParam(paramName string) ClientIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a ClientIDExtractor that gets client ID from a query parameter
func FromQuery(queryName string) ClientIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
