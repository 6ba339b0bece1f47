package worker

import (
	"context"
	"log/slog"
	"time"
)

// Poller periodically scans the run store for runnable runs and feeds them to
// the executor.
//
// The poll loop is the liveness guarantee behind the queue: hints are
// best-effort, so a dropped or unconfigured queue only delays pickup by at
// most one poll interval. It also reclaims runs whose workers died, since
// ListRunnable includes expired leases.
type Poller struct {
	store    Store
	executor *Executor
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewPoller creates a poller bound to an executor.
func NewPoller(store Store, executor *Executor, logger *slog.Logger, cfg *Config) *Poller {
	return &Poller{
		store:    store,
		executor: executor,
		logger:   logger,
		interval: cfg.PollInterval,
		batch:    cfg.PollBatchSize,
	}
}

// Run polls until the context is cancelled. An immediate first scan picks up
// any backlog before the first tick.
func (p *Poller) Run(ctx context.Context) {
	p.scan(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

func (p *Poller) scan(ctx context.Context) {
	ids, err := p.store.ListRunnable(ctx, p.batch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		p.logger.Error("runnable scan failed", slog.String("error", err.Error()))

		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		p.executor.Execute(ctx, id)
	}
}
