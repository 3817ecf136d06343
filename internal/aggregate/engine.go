// Package aggregate maintains the cascading time-bucketed rollups and their
// retention windows.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/tarpit/internal/domain"
	"github.com/splax/tarpit/internal/repository"
)

const refreshTimeout = time.Minute

// Options configures the engine.
type Options struct {
	// Resolutions is the rollup pipeline, finest first.
	Resolutions []domain.Resolution
	// RawRetention expires raw connection rows; zero disables.
	RawRetention time.Duration
	// SweepEvery is the retention sweeper interval.
	SweepEvery time.Duration
}

// Engine runs one serialized refresh loop per resolution plus a retention
// sweeper. Loops for different resolutions run concurrently; refreshes of the
// same resolution never overlap.
type Engine struct {
	repo   repository.AggregateRepository
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an Engine.
func New(repo repository.AggregateRepository, opts Options, logger *slog.Logger) *Engine {
	if len(opts.Resolutions) == 0 {
		opts.Resolutions = domain.DefaultResolutions()
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 10 * time.Minute
	}
	if logger != nil {
		logger = logger.With("component", "aggregate")
	} else {
		logger = slog.Default()
	}
	return &Engine{repo: repo, opts: opts, logger: logger, now: time.Now}
}

// Run blocks until the context is cancelled and every loop has drained. An
// in-flight refresh finishes on its own deadline; cancellation only stops the
// timers.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("aggregation engine started", "resolutions", len(e.opts.Resolutions))

	var wg sync.WaitGroup
	for _, res := range e.opts.Resolutions {
		wg.Add(1)
		go func(res domain.Resolution) {
			defer wg.Done()
			e.refreshLoop(ctx, res)
		}(res)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweepLoop(ctx)
	}()

	wg.Wait()
	e.logger.Info("aggregation engine stopped")
}

func (e *Engine) refreshLoop(ctx context.Context, res domain.Resolution) {
	e.refresh(res)

	ticker := time.NewTicker(res.RefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(res)
		}
	}
}

// refresh re-derives the trailing window of res. Errors are logged and
// retried on the next tick; the upsert is idempotent so a partial failure
// cannot corrupt buckets.
func (e *Engine) refresh(res domain.Resolution) {
	start, end := RefreshWindow(res, e.now())
	if !end.After(start) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := e.repo.RefreshResolution(ctx, res, start, end); err != nil {
		e.logger.Error("aggregate refresh failed", "resolution", res.Name, "error", err)
		return
	}
	e.logger.Debug("aggregate refreshed", "resolution", res.Name, "start", start, "end", end)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep expires raw rows and aggregate buckets past their retention windows.
func (e *Engine) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	now := e.now()
	if e.opts.RawRetention > 0 {
		deleted, err := e.repo.DeleteRecordsBefore(ctx, now.Add(-e.opts.RawRetention))
		if err != nil {
			e.logger.Error("raw retention sweep failed", "error", err)
		} else if deleted > 0 {
			e.logger.Info("expired raw connection records", "deleted", deleted)
		}
	}

	for _, res := range e.opts.Resolutions {
		if res.Retention <= 0 {
			continue
		}
		deleted, err := e.repo.DeleteBucketsBefore(ctx, res.Name, now.Add(-res.Retention))
		if err != nil {
			e.logger.Error("bucket retention sweep failed", "resolution", res.Name, "error", err)
			continue
		}
		if deleted > 0 {
			e.logger.Info("expired aggregate buckets", "resolution", res.Name, "deleted", deleted)
		}
	}
}

// RefreshWindow computes the span-aligned window [start, end) a refresh of
// res covers at the given time. The end lags real time by the resolution's
// end offset; the lookback covers at least two refresh intervals so a failed
// run is repaired by the next one.
func RefreshWindow(res domain.Resolution, now time.Time) (time.Time, time.Time) {
	end := now.Add(-res.EndOffset).Truncate(res.Span)

	lookback := 2*res.RefreshEvery + res.Span
	if lookback < 2*res.Span {
		lookback = 2 * res.Span
	}
	start := end.Add(-lookback).Truncate(res.Span)
	return start, end
}

// ResolutionFor picks the finest resolution whose retention window fully
// covers [since, now]. When none does, the coarsest available wins and the
// oldest portion of the range loses precision.
func ResolutionFor(resolutions []domain.Resolution, since, now time.Time) domain.Resolution {
	age := now.Sub(since)
	for _, res := range resolutions {
		if res.Retention <= 0 || res.Retention >= age {
			return res
		}
	}
	return resolutions[len(resolutions)-1]
}
