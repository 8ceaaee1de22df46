// Package scheduler runs gocycle's auto-advance on a cron schedule.
//
// Each tick lists the known clients, reads "now" from the configured clock and
// asks the advancer to create every cycle that is due. Overlapping ticks are
// skipped rather than queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Advancer creates due billing cycles. *gocycle.Manager implements it.
type Advancer interface {
	AdvanceDue(ctx context.Context, clientIDs []string, now time.Time) (*gocycle.AdvanceReport, error)
}

// ClientLister enumerates the clients whose cycles should be advanced.
type ClientLister interface {
	ListClients(ctx context.Context) ([]string, error)
}

// ClientListerFunc adapts a function to ClientLister.
type ClientListerFunc func(ctx context.Context) ([]string, error)

// ListClients calls f(ctx).
func (f ClientListerFunc) ListClients(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// StaticClients is a ClientLister over a fixed set of client IDs.
type StaticClients []string

// ListClients returns a copy of the IDs.
func (s StaticClients) ListClients(_ context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Config configures the scheduler
type Config struct {
	// Spec is a standard five-field cron expression or descriptor (default: "@hourly")
	Spec string

	// Location evaluates Spec (default: UTC)
	Location *time.Location

	// RunTimeout bounds a single run (default: 10 minutes)
	RunTimeout time.Duration

	// Clock provides "now" for each run (default: system clock)
	Clock gocycle.TimeSource

	// Logger receives run summaries (default: NoopLogger)
	Logger gocycle.Logger

	// OnReport, if set, is called after every completed run
	OnReport func(*gocycle.AdvanceReport)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Spec:       "@hourly",
		Location:   time.UTC,
		RunTimeout: 10 * time.Minute,
	}
}

// Scheduler periodically advances billing cycles.
type Scheduler struct {
	advancer Advancer
	clients  ClientLister
	config   Config
	cron     *cron.Cron
	entry    cron.EntryID

	mu      sync.Mutex
	started bool
}

// New creates a scheduler. The cron spec is validated immediately.
func New(advancer Advancer, clients ClientLister, config Config) (*Scheduler, error) {
	if advancer == nil {
		return nil, errors.New("scheduler: advancer is required")
	}
	if clients == nil {
		return nil, errors.New("scheduler: client lister is required")
	}

	defaults := DefaultConfig()
	if config.Spec == "" {
		config.Spec = defaults.Spec
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}
	if config.Logger == nil {
		config.Logger = &gocycle.NoopLogger{}
	}

	logger := cronLogger{config.Logger}
	s := &Scheduler{
		advancer: advancer,
		clients:  clients,
		config:   config,
		cron: cron.New(
			cron.WithLocation(config.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}

	entry, err := s.cron.AddFunc(config.Spec, func() {
		//nolint:errcheck // errors are logged inside RunOnce
		_, _ = s.RunOnce(context.Background())
	})
	if err != nil {
		return nil, &gocycle.ConfigurationError{Field: "spec", Value: config.Spec, Reason: err.Error()}
	}
	s.entry = entry

	return s, nil
}

// Start begins running the cron schedule in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.config.Logger.Info("billing scheduler started", gocycle.Field{Key: "spec", Value: s.config.Spec})
}

// Stop stops scheduling new runs and waits for a running one to finish or ctx
// to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.config.Logger.Info("billing scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the time of the next scheduled run, zero if not started.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// RunOnce performs a single advance over all listed clients.
func (s *Scheduler) RunOnce(ctx context.Context) (*gocycle.AdvanceReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	started := time.Now()
	clientIDs, err := s.clients.ListClients(ctx)
	if err != nil {
		s.config.Logger.Error("failed to list clients", gocycle.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	now, err := s.config.Clock.Now(ctx)
	if err != nil {
		s.config.Logger.Error("failed to read clock", gocycle.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}

	report, err := s.advancer.AdvanceDue(ctx, clientIDs, now)
	if err != nil {
		s.config.Logger.Error("billing advance aborted",
			gocycle.Field{Key: "error", Value: err},
			gocycle.Field{Key: "clients", Value: len(clientIDs)},
		)
		return report, err
	}

	s.config.Logger.Info("billing advance completed",
		gocycle.Field{Key: "clients", Value: len(clientIDs)},
		gocycle.Field{Key: "created", Value: len(report.Created)},
		gocycle.Field{Key: "skipped", Value: len(report.Skipped)},
		gocycle.Field{Key: "failed", Value: len(report.Failed)},
		gocycle.Field{Key: "duration_ms", Value: time.Since(started).Milliseconds()},
	)
	for clientID, clientErr := range report.Failed {
		s.config.Logger.Warn("client advance failed",
			gocycle.Field{Key: "client_id", Value: clientID},
			gocycle.Field{Key: "error", Value: clientErr},
		)
	}

	if s.config.OnReport != nil {
		s.config.OnReport(report)
	}
	return report, nil
}

type systemClock struct{}

func (systemClock) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// cronLogger adapts gocycle.Logger to cron.Logger.
type cronLogger struct {
	logger gocycle.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), gocycle.Field{Key: "error", Value: err})...)
}

func fields(keysAndValues []interface{}) []gocycle.Field {
	out := make([]gocycle.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, gocycle.Field{Key: key, Value: keysAndValues[i+1]})
	}
	return out
}
