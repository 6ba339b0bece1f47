package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/runplane-io/runplane/internal/queue"
)

// Service combines the hint consumer and the poll loop into one worker
// process. Either source alone keeps the system live; together they give low
// latency (hints) plus guaranteed delivery (polling).
type Service struct {
	executor *Executor
	poller   *Poller
	hints    HintSource
	logger   *slog.Logger
	workerID string
}

// NewService wires a worker service. hints may be nil, leaving polling as
// the only work source.
func NewService(
	executor *Executor,
	poller *Poller,
	hints HintSource,
	logger *slog.Logger,
	workerID string,
) *Service {
	return &Service{
		executor: executor,
		poller:   poller,
		hints:    hints,
		logger:   logger,
		workerID: workerID,
	}
}

// Run blocks until the context is cancelled, processing hints and polling
// concurrently.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("worker started", slog.String("worker_id", s.workerID))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		s.poller.Run(ctx)
	}()

	if s.hints != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.consumeHints(ctx)
		}()
	} else {
		s.logger.Warn("no hint source configured, relying on polling only")
	}

	wg.Wait()

	s.logger.Info("worker stopped", slog.String("worker_id", s.workerID))
}

func (s *Service) consumeHints(ctx context.Context) {
	for {
		runID, err := s.hints.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, queue.ErrMalformedHint) {
				s.logger.Warn("skipping malformed run hint", slog.String("error", err.Error()))

				continue
			}

			s.logger.Error("failed to read run hint", slog.String("error", err.Error()))

			continue
		}

		s.executor.Execute(ctx, runID)
	}
}
