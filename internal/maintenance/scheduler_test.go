package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spamguard/internal/config"
)

type fakePurger struct {
	calls  int
	before time.Time
	err    error
}

func (f *fakePurger) PurgeLogsBefore(_ context.Context, before time.Time) (int64, error) {
	f.calls++
	f.before = before
	return 3, f.err
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) RemoveExpired() int {
	f.calls++
	return 1
}

func managerWith(retention time.Duration, schedule string) *config.Manager {
	cfg := config.DefaultConfig()
	cfg.Maintenance.LogRetention = retention
	cfg.Maintenance.Schedule = schedule
	return config.NewStaticManager(cfg)
}

func TestRunOncePurgesWithRetention(t *testing.T) {
	purger := &fakePurger{}
	sweeper := &fakeSweeper{}
	s, err := NewScheduler(managerWith(72*time.Hour, ""), purger, sweeper, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())
	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, now.Add(-72*time.Hour), purger.before)
	assert.Equal(t, 1, sweeper.calls)
}

func TestRunOnceZeroRetentionKeepsLogs(t *testing.T) {
	purger := &fakePurger{}
	s, err := NewScheduler(managerWith(0, ""), purger, nil, nil)
	require.NoError(t, err)
	s.RunOnce(context.Background())
	assert.Zero(t, purger.calls)
}

func TestRunOnceSurvivesPurgeError(t *testing.T) {
	purger := &fakePurger{err: errors.New("db down")}
	sweeper := &fakeSweeper{}
	s, err := NewScheduler(managerWith(time.Hour, ""), purger, sweeper, nil)
	require.NoError(t, err)
	s.RunOnce(context.Background())
	assert.Equal(t, 1, sweeper.calls)
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(managerWith(time.Hour, "not a cron"), nil, nil, nil)
	assert.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	s, err := NewScheduler(managerWith(time.Hour, "*/1 * * * * *"), &fakePurger{}, nil, nil)
	require.NoError(t, err)
	s.Start()
	<-s.Stop().Done()
}
