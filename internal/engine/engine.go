package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"spamguard/internal/config"
	"spamguard/internal/detector"
	"spamguard/internal/metrics"
	"spamguard/internal/model"
	"spamguard/internal/recent"
	"spamguard/internal/storage"
)

const autoBlockTimeout = 5 * time.Second

// Engine runs the enabled detectors for each visitor event, merges their
// verdicts into a Decision and records the outcome.
type Engine struct {
	logger    *slog.Logger
	registry  *detector.Registry
	recent    *recent.Store
	store     storage.Store
	cfg       atomic.Value
	whitelist atomic.Value
	cooldown  *Cooldown
	logs      *logWriter
	now       func() time.Time
}

// NewEngine wires the engine. store and recentStore may be nil; without a
// store nothing is logged or auto-blocked.
func NewEngine(cfg *config.Config, logger *slog.Logger, registry *detector.Registry, recentStore *recent.Store, store storage.Store) *Engine {
	if registry == nil {
		registry, _ = detector.NewRegistry()
	}
	e := &Engine{
		logger:   logger,
		registry: registry,
		recent:   recentStore,
		store:    store,
		cooldown: NewCooldown(),
		now:      time.Now,
	}
	var sink storage.EventLog
	if store != nil {
		sink = store
	}
	e.logs = newLogWriter(sink, cfg.Pipeline.LogBuffer, logger)
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.whitelist.Store(buildWhitelist(cfg.Whitelist))
}

func (e *Engine) Config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) whitelistSet() *Whitelist {
	if v := e.whitelist.Load(); v != nil {
		return v.(*Whitelist)
	}
	return nil
}

// Start runs the async log writer and, when in is non-nil, workers that
// decide every event received on it until ctx is done.
func (e *Engine) Start(ctx context.Context, in <-chan model.VisitorEvent) {
	e.logs.run(ctx)
	if in == nil {
		return
	}
	workers := e.Config().Ingest.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case ev := <-in:
					e.Decide(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Wait blocks until queued log entries are flushed after Start's context ends.
func (e *Engine) Wait() {
	e.logs.wait()
}

// Decide evaluates one visitor event. The settings snapshot is taken once
// and shared by every detector. Log and block writes never change the result.
func (e *Engine) Decide(ctx context.Context, ev model.VisitorEvent) model.Decision {
	cfg := e.Config()
	now := e.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	var d model.Decision
	if e.whitelistSet().Contains(ev.IP) {
		d = model.Merge([]model.Verdict{}, true)
	} else {
		d = model.Merge(e.run(ctx, ev, cfg), false)
	}
	d.EvaluatedAt = now

	switch {
	case d.Whitelisted:
		metrics.IncDecision("whitelisted")
	case d.Blocked:
		metrics.IncDecision("blocked")
		if e.logger != nil {
			e.logger.Warn("visitor blocked", "ip", ev.IP, "trigger", d.Trigger, "source", ev.Source)
		}
	default:
		metrics.IncDecision("allowed")
	}

	e.autoBlock(ctx, cfg, ev, d)

	entry := model.NewLogEntry(ev, d)
	entry.UUID = uuid.NewString()
	if e.recent != nil {
		e.recent.Add(entry)
	}
	e.logs.submit(entry, cfg.Pipeline.AsyncLog)
	return d
}

func (e *Engine) run(ctx context.Context, ev model.VisitorEvent, cfg *config.Config) []model.Verdict {
	detectors := e.registry.Ordered(cfg)
	if len(detectors) == 0 {
		return []model.Verdict{}
	}
	if cfg.Pipeline.Mode == config.PipelineModeSequential {
		return e.runSequential(ctx, ev, cfg, detectors)
	}
	return e.runConcurrent(ctx, ev, cfg, detectors)
}

func (e *Engine) runConcurrent(ctx context.Context, ev model.VisitorEvent, cfg *config.Config, detectors []detector.Detector) []model.Verdict {
	verdicts := make([]model.Verdict, len(detectors))
	var g errgroup.Group
	if cfg.Pipeline.MaxConcurrency > 0 {
		g.SetLimit(cfg.Pipeline.MaxConcurrency)
	}
	for i, d := range detectors {
		i, d := i, d
		g.Go(func() error {
			verdicts[i] = e.evaluate(ctx, d, ev, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return verdicts
}

func (e *Engine) runSequential(ctx context.Context, ev model.VisitorEvent, cfg *config.Config, detectors []detector.Detector) []model.Verdict {
	verdicts := make([]model.Verdict, 0, len(detectors))
	for _, d := range detectors {
		if err := ctx.Err(); err != nil {
			verdicts = append(verdicts, model.NoOpinion(d.ID(), err))
			continue
		}
		v := e.evaluate(ctx, d, ev, cfg)
		verdicts = append(verdicts, v)
		if v.Blocked && cfg.Pipeline.StopOnBlock {
			break
		}
	}
	return verdicts
}

// evaluate bounds one detector by pipeline.detector_timeout and turns a
// timeout, cancellation or panic into a no-opinion verdict.
func (e *Engine) evaluate(ctx context.Context, d detector.Detector, ev model.VisitorEvent, cfg *config.Config) model.Verdict {
	ctx, cancel := context.WithTimeout(ctx, config.ClampTimeout(cfg.Pipeline.DetectorTimeout))
	defer cancel()
	started := time.Now()
	done := make(chan model.Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.NoOpinion(d.ID(), fmt.Errorf("detector panic: %v", r))
			}
		}()
		done <- d.Evaluate(ctx, ev, cfg)
	}()

	var v model.Verdict
	select {
	case v = <-done:
	case <-ctx.Done():
		v = model.NoOpinion(d.ID(), ctx.Err())
	}
	v.Detector = d.ID()
	metrics.ObserveDetector(d.ID(), time.Since(started).Seconds())
	outcome := "allow"
	switch {
	case v.Blocked:
		outcome = "block"
	case v.Err() != "":
		outcome = "no_opinion"
		if e.logger != nil {
			e.logger.Warn("detector returned no opinion", "detector", d.ID(), "ip", ev.IP, "err", v.Err())
		}
	}
	metrics.IncVerdict(d.ID(), outcome)
	return v
}

// autoBlock stores a temporary IP entry when a configured detector blocked
// the visitor. The store never replaces an admin entry for the same IP.
func (e *Engine) autoBlock(ctx context.Context, cfg *config.Config, ev model.VisitorEvent, d model.Decision) {
	ab := cfg.AutoBlock
	if !ab.Enabled || !d.Blocked || e.store == nil {
		return
	}
	var cause *model.Verdict
	for i := range d.Verdicts {
		v := &d.Verdicts[i]
		if !v.Blocked {
			continue
		}
		if v.Detector == config.DetectorBlockList {
			return
		}
		if cause == nil && slices.Contains(ab.Detectors, v.Detector) {
			cause = v
		}
	}
	if cause == nil || !e.cooldown.Allow(ev.IP, ab.Cooldown) {
		return
	}
	start := e.now().UTC()
	end := start.Add(ab.Duration)
	entry := &model.BlockEntry{
		IP:         ev.IP,
		Kind:       model.BlockTemporary,
		StartBlock: start,
		EndBlock:   &end,
		Reason:     cause.Reason,
		CreatedBy:  model.AutoCreatedByPrefix + cause.Detector,
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), autoBlockTimeout)
	defer cancel()
	stored, err := e.store.UpsertAutoBlock(wctx, entry)
	if err != nil {
		metrics.IncBlockStoreFailure()
		if e.logger != nil {
			e.logger.Error("auto block failed", "ip", ev.IP, "detector", cause.Detector, "err", err)
		}
		return
	}
	if !stored {
		if e.logger != nil {
			e.logger.Debug("auto block skipped, admin entry exists", "ip", ev.IP, "detector", cause.Detector)
		}
		return
	}
	metrics.IncAutoBlock()
	if e.logger != nil {
		e.logger.Info("auto block stored", "ip", ev.IP, "detector", cause.Detector, "until", end)
	}
}
