// Package worker holds the background services that finish cleanup work a
// request could not complete inline.
package worker

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/database"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"go.uber.org/zap"
)

// DeletionJournal is the durable queue of remote deletions to retry.
type DeletionJournal interface {
	NextDue(ctx context.Context, limit int, staleAfter time.Duration) ([]database.PendingDeletion, error)
	MarkDone(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64, lastErr string, next time.Time) error
	PendingCount(ctx context.Context) (int, error)
}

// Deleter removes remote assets.
type Deleter interface {
	Delete(ctx context.Context, publicID string, kind media.Kind) error
}

type RetrierConfig struct {
	PollInterval time.Duration
	BatchSize    int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// StaleAfter reclaims rows a crashed retrier left in processing.
	StaleAfter time.Duration
	// DeleteTimeout bounds one remote delete.
	DeleteTimeout time.Duration
}

// RollbackRetrier drains the deletion journal until every orphaned remote
// asset is gone.
type RollbackRetrier struct {
	journal DeletionJournal
	deleter Deleter
	config  RetrierConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewRollbackRetrier(journal DeletionJournal, deleter Deleter, config RetrierConfig, logger *zap.Logger) *RollbackRetrier {
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 20
	}
	if config.BaseBackoff == 0 {
		config.BaseBackoff = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = time.Hour
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.DeleteTimeout == 0 {
		config.DeleteTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollbackRetrier{journal: journal, deleter: deleter, config: config, logger: logger, now: time.Now}
}

// Serve implements suture.Service.
func (rr *RollbackRetrier) Serve(ctx context.Context) error {
	ticker := time.NewTicker(rr.config.PollInterval)
	defer ticker.Stop()

	rr.logger.Info("rollback retrier started", zap.Duration("poll_interval", rr.config.PollInterval))
	for {
		rr.RunOnce(ctx)
		select {
		case <-ctx.Done():
			rr.logger.Info("rollback retrier stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (rr *RollbackRetrier) String() string {
	return "rollback-retrier"
}

// RunOnce processes one batch of due deletions and returns how many succeeded.
func (rr *RollbackRetrier) RunOnce(ctx context.Context) int {
	due, err := rr.journal.NextDue(ctx, rr.config.BatchSize, rr.config.StaleAfter)
	if err != nil {
		rr.logger.Error("error getting due deletions", zap.Error(err))
		return 0
	}

	done := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		if rr.process(ctx, d) {
			done++
		}
	}

	if n, err := rr.journal.PendingCount(ctx); err == nil {
		observability.PendingDeletions.Set(float64(n))
	}
	return done
}

func (rr *RollbackRetrier) process(ctx context.Context, d database.PendingDeletion) bool {
	logger := rr.logger.With(zap.Int64("deletion_id", d.ID), zap.String("public_id", d.PublicID))

	dctx, cancel := context.WithTimeout(ctx, rr.config.DeleteTimeout)
	err := rr.deleter.Delete(dctx, d.PublicID, d.Kind)
	cancel()

	if err == nil {
		if err := rr.journal.MarkDone(ctx, d.ID); err != nil {
			logger.Error("failed to mark deletion done", zap.Error(err))
		}
		observability.Rollbacks.WithLabelValues("deleted").Inc()
		logger.Info("journaled deletion completed", zap.Int("attempts", d.Attempts+1))
		return true
	}

	next := rr.now().Add(rr.backoff(d.Attempts))
	if merr := rr.journal.MarkAttempt(ctx, d.ID, err.Error(), next); merr != nil {
		logger.Error("failed to record deletion attempt", zap.Error(merr))
	}
	if d.Attempts+1 >= d.MaxAttempts {
		observability.Leaks.WithLabelValues("journal_exhausted").Inc()
		logger.Error("giving up on journaled deletion", zap.Int("attempts", d.Attempts+1), zap.Error(err))
	} else {
		logger.Warn("journaled deletion failed, will retry", zap.Time("next_attempt", next), zap.Error(err))
	}
	return false
}

// backoff doubles per attempt up to MaxBackoff.
func (rr *RollbackRetrier) backoff(attempts int) time.Duration {
	d := rr.config.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= rr.config.MaxBackoff {
			return rr.config.MaxBackoff
		}
	}
	return d
}
