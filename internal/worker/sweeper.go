package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper removes stale staged files.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// StagingSweeper periodically clears files a crashed request left in the
// staging directory.
type StagingSweeper struct {
	sweeper  Sweeper
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

func NewStagingSweeper(sweeper Sweeper, interval, maxAge time.Duration, logger *zap.Logger) *StagingSweeper {
	if interval == 0 {
		interval = 10 * time.Minute
	}
	if maxAge == 0 {
		maxAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StagingSweeper{sweeper: sweeper, interval: interval, maxAge: maxAge, logger: logger}
}

// Serve implements suture.Service.
func (s *StagingSweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.sweeper.Sweep(s.maxAge); err != nil {
			s.logger.Warn("staging sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *StagingSweeper) String() string {
	return "staging-sweeper"
}
