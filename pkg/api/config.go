package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

const (
	// DefaultPreviewCount is used when a preview request omits count
	DefaultPreviewCount = 12
	// DefaultMaxPreviewCount bounds count on preview requests
	DefaultMaxPreviewCount = 120
)

// Config holds configuration for the billing schedule API handler
type Config struct {
	// Manager is the billing cycle manager instance (required)
	Manager *gocycle.Manager

	// BasePath is prepended to every route, e.g. "/api/v1" (default: "")
	BasePath string

	// MaxPreviewCount bounds the number of periods a preview may request
	// (default: 120)
	MaxPreviewCount int

	// OnError handles errors (validation, not found, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used to log unexpected errors (default: NoopLogger)
	Logger gocycle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.MaxPreviewCount < 0 {
		return fmt.Errorf("maxPreviewCount must not be negative")
	}
	return nil
}

// NewHandler creates a new billing schedule API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxPreviewCount == 0 {
		config.MaxPreviewCount = DefaultMaxPreviewCount
	}
	if config.Logger == nil {
		config.Logger = &gocycle.NoopLogger{}
	}

	h := &Handler{
		config:   config,
		validate: newValidator(),
		mux:      http.NewServeMux(),
	}
	h.routes()
	return h, nil
}
