package conversation

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = time.Minute

// Sweeper removes expired conversations on its own cadence.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Name() string {
	return "conversation-sweeper"
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.manager.Sweep(s.manager.now()); n > 0 {
				s.logger.Info("Swept expired conversations", "count", n)
			}
		}
	}
}
