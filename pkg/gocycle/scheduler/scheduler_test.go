package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/memory"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// countingAdvancer records calls and returns an empty report.
type countingAdvancer struct {
	calls   atomic.Int32
	lastIDs atomic.Value
	err     error
}

func (a *countingAdvancer) AdvanceDue(_ context.Context, ids []string, _ time.Time) (*gocycle.AdvanceReport, error) {
	a.calls.Add(1)
	a.lastIDs.Store(ids)
	if a.err != nil {
		return nil, a.err
	}
	return &gocycle.AdvanceReport{Failed: map[string]error{}}, nil
}

func TestNew_Validation(t *testing.T) {
	advancer := &countingAdvancer{}

	_, err := New(nil, StaticClients{"a"}, DefaultConfig())
	assert.Error(t, err)

	_, err = New(advancer, nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New(advancer, StaticClients{"a"}, Config{Spec: "not a cron spec"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gocycle.ErrInvalidConfiguration)
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(&countingAdvancer{}, StaticClients{}, Config{})
	require.NoError(t, err)

	assert.Equal(t, "@hourly", s.config.Spec)
	assert.Equal(t, time.UTC, s.config.Location)
	assert.Equal(t, 10*time.Minute, s.config.RunTimeout)
	assert.NotNil(t, s.config.Clock)
	assert.NotNil(t, s.config.Logger)
}

func TestRunOnce_AdvancesDueCycles(t *testing.T) {
	store := memory.New()
	manager, err := gocycle.NewManager(store, gocycle.Config{
		Clock: gocycle.FixedClock(day(2024, time.January, 10)),
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = manager.UpdateSchedule(ctx, "client1", gocycle.CycleMonthly, gocycle.Anchor{DayOfMonth: gocycle.Int(1)})
	require.NoError(t, err)
	_, err = manager.CreateNextCycle(ctx, "client1") // Jan 1 - Feb 1
	require.NoError(t, err)

	var reported *gocycle.AdvanceReport
	s, err := New(manager, StaticClients{"client1", "unscheduled"}, Config{
		Clock:    gocycle.FixedClock(day(2024, time.April, 15)),
		OnReport: func(r *gocycle.AdvanceReport) { reported = r },
	})
	require.NoError(t, err)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, reported)
	assert.Same(t, report, reported)

	// Feb, Mar and Apr cycles are created; Apr 1 - May 1 contains Apr 15
	require.Len(t, report.Created, 3)
	assert.True(t, report.Created[2].PeriodEnd.Equal(day(2024, time.May, 1)))
	assert.Equal(t, []string{"unscheduled"}, report.Skipped)
	assert.Empty(t, report.Failed)

	// A second run at the same instant has nothing to do
	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
}

func TestRunOnce_ListerError(t *testing.T) {
	advancer := &countingAdvancer{}
	boom := errors.New("directory unavailable")
	s, err := New(advancer, ClientListerFunc(func(context.Context) ([]string, error) {
		return nil, boom
	}), Config{})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), advancer.calls.Load())
}

func TestRunOnce_AdvancerError(t *testing.T) {
	advancer := &countingAdvancer{err: context.DeadlineExceeded}
	called := false
	s, err := New(advancer, StaticClients{"a"}, Config{
		OnReport: func(*gocycle.AdvanceReport) { called = true },
	})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestStaticClients_ReturnsCopy(t *testing.T) {
	clients := StaticClients{"a", "b"}
	ids, err := clients.ListClients(context.Background())
	require.NoError(t, err)
	ids[0] = "changed"
	assert.Equal(t, "a", clients[0])
}

func TestStartStop(t *testing.T) {
	advancer := &countingAdvancer{}
	s, err := New(advancer, StaticClients{"a", "b"}, Config{Spec: "@every 1s"})
	require.NoError(t, err)

	assert.True(t, s.Next().IsZero())

	s.Start()
	s.Start() // second start is a no-op
	assert.False(t, s.Next().IsZero())

	require.Eventually(t, func() bool {
		return advancer.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, advancer.lastIDs.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestCronLogger_Fields(t *testing.T) {
	got := fields([]interface{}{"entry", 1, "next", "soon", "dangling"})
	require.Len(t, got, 2)
	assert.Equal(t, gocycle.Field{Key: "entry", Value: 1}, got[0])
	assert.Equal(t, gocycle.Field{Key: "next", Value: "soon"}, got[1])
}
