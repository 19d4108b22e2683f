package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"spamguard/internal/config"
)

const jobTimeout = time.Minute

type LogPurger interface {
	PurgeLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

type CacheSweeper interface {
	RemoveExpired() int
}

// Scheduler runs housekeeping on a cron schedule with seconds precision.
// Retention is read from the current config snapshot on every run.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Manager
	logs    LogPurger
	cache   CacheSweeper
	logger  *slog.Logger
	now     func() time.Time
	entryID cron.EntryID
}

// NewScheduler registers the housekeeping job. Either collaborator may be nil.
func NewScheduler(cfg *config.Manager, logs LogPurger, cache CacheSweeper, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		cfg:    cfg,
		logs:   logs,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
	schedule := cfg.Get().Maintenance.Schedule
	if schedule == "" {
		schedule = config.DefaultMaintenanceCron
	}
	id, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	s.entryID = id
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	if s.logger != nil {
		s.logger.Info("maintenance scheduler started", "next", s.cron.Entry(s.entryID).Next)
	}
}

// Stop prevents new runs; the returned context is done once a running job finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce purges expired event-log rows and sweeps the lookup cache.
func (s *Scheduler) RunOnce(ctx context.Context) {
	retention := s.cfg.Get().Maintenance.LogRetention
	if s.logs != nil && retention > 0 {
		cutoff := s.now().Add(-retention)
		n, err := s.logs.PurgeLogsBefore(ctx, cutoff)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("event log purge failed", "err", err, "before", cutoff)
			}
		} else if n > 0 && s.logger != nil {
			s.logger.Info("event log purged", "rows", n, "before", cutoff)
		}
	}
	if s.cache != nil {
		if n := s.cache.RemoveExpired(); n > 0 && s.logger != nil {
			s.logger.Debug("lookup cache swept", "removed", n)
		}
	}
}
