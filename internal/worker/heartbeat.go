package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// heartbeat renews a run's lease in the background while the runner executes.
//
// On renewal failure the heartbeat cancels the run context: losing the lease
// means another worker may already own the run, so continuing would waste
// work whose result could never be finalized anyway.
type heartbeat struct {
	store    Store
	logger   *slog.Logger
	runID    uuid.UUID
	workerID string
	ttl      time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	lost   bool
}

// startHeartbeat begins renewing the lease for runID every interval.
// The returned context is cancelled when the lease is lost; stop() must be
// called when the run attempt ends.
func startHeartbeat(
	ctx context.Context,
	store Store,
	logger *slog.Logger,
	runID uuid.UUID,
	workerID string,
	ttl, interval time.Duration,
) (*heartbeat, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	hb := &heartbeat{
		store:    store,
		logger:   logger,
		runID:    runID,
		workerID: workerID,
		ttl:      ttl,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go hb.loop(runCtx)

	return hb, runCtx
}

// stop terminates the renewal loop and waits for it to exit.
func (hb *heartbeat) stop() {
	hb.cancel()
	<-hb.done
}

// leaseLost reports whether a renewal failed. Only valid after stop().
func (hb *heartbeat) leaseLost() bool {
	return hb.lost
}

func (hb *heartbeat) loop(ctx context.Context) {
	defer close(hb.done)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Renewal uses its own context: the run context may already be
			// cancelled by timeout while the lease is still ours to release.
			renewCtx, cancel := context.WithTimeout(context.Background(), hb.interval)
			renewed, err := hb.store.TryRenewLease(renewCtx, hb.runID, hb.workerID, hb.ttl)

			cancel()

			if err != nil {
				hb.logger.Warn("lease renewal errored, retrying next tick",
					slog.String("run_id", hb.runID.String()),
					slog.String("worker_id", hb.workerID),
					slog.String("error", err.Error()),
				)

				continue
			}

			if !renewed {
				hb.logger.Warn("lease lost, abandoning run",
					slog.String("run_id", hb.runID.String()),
					slog.String("worker_id", hb.workerID),
				)

				hb.lost = true
				hb.cancel()

				return
			}
		}
	}
}
