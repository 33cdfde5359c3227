// Package cleanup guarantees that no staged file or orphaned remote asset
// survives an upload request, whichever step fails.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"go.uber.org/zap"
)

// State of one registered staged file.
type State int

const (
	StateStaged State = iota
	StateTransferred
	StateFailed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateStaged:
		return "staged"
	case StateTransferred:
		return "transferred"
	case StateFailed:
		return "failed"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrFinalized         = errors.New("cleanup coordinator already finalized")
	ErrInvalidTransition = errors.New("invalid cleanup state transition")
)

// Releaser deletes staged files.
type Releaser interface {
	Release(sf *staging.StagedFile) error
}

// Deleter removes remote assets.
type Deleter interface {
	Delete(ctx context.Context, publicID string, kind media.Kind) error
}

// Journal durably records remote assets whose deletion must be retried later.
type Journal interface {
	Record(ctx context.Context, publicID string, kind media.Kind, reason string) error
}

type Options struct {
	// RollbackAttempts is how many times a rollback delete is tried inline
	// before it is journaled.
	RollbackAttempts int
	RetryDelay       time.Duration
}

// Entry tracks one staged file. Entries never share state, so per-file tasks
// may drive their own entry concurrently.
type Entry struct {
	mu             sync.Mutex
	index          int
	file           *staging.StagedFile
	state          State
	asset          *media.RemoteAsset
	stagingCleared bool
	committed      bool
	rolledBack     bool
	journaled      bool
}

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) File() *staging.StagedFile { return e.file }

// Coordinator owns the staged files and remote assets of one request.
type Coordinator struct {
	releaser Releaser
	deleter  Deleter
	journal  Journal
	logger   *zap.Logger
	opts     Options

	mu        sync.Mutex
	entries   []*Entry
	finalized bool

	once   sync.Once
	report Report
}

func New(releaser Releaser, deleter Deleter, journal Journal, logger *zap.Logger, opts Options) *Coordinator {
	if opts.RollbackAttempts <= 0 {
		opts.RollbackAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		releaser: releaser,
		deleter:  deleter,
		journal:  journal,
		logger:   logger,
		opts:     opts,
	}
}

// Register must be called for every staged file before any gateway call.
func (c *Coordinator) Register(sf *staging.StagedFile) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil, ErrFinalized
	}
	e := &Entry{index: len(c.entries), file: sf, state: StateStaged}
	c.entries = append(c.entries, e)
	return e, nil
}

// MarkTransferred records a successful upload and releases the staging copy
// in the same step.
func (c *Coordinator) MarkTransferred(e *Entry, asset *media.RemoteAsset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStaged {
		return fmt.Errorf("%w: %s -> transferred", ErrInvalidTransition, e.state)
	}
	e.asset = asset
	e.state = StateTransferred
	c.releaseLocked(e)
	return nil
}

// MarkFailed records a failed upload. The staging copy is released although no
// remote asset exists.
func (c *Coordinator) MarkFailed(e *Entry, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStaged {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, e.state)
	}
	e.state = StateFailed
	if c.releaseLocked(e) {
		e.state = StateReleased
	}
	c.logger.Debug("staged file failed", zap.String("file", e.file.Name), zap.Error(cause))
	return nil
}

// Commit hands the remote asset over to its persisted record.
func (c *Coordinator) Commit(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateTransferred {
		return fmt.Errorf("%w: %s -> committed", ErrInvalidTransition, e.state)
	}
	e.committed = true
	e.state = StateReleased
	return nil
}

// Rollback deletes the entry's primary remote asset. It is mandatory: the
// delete is retried and, if it keeps failing, journaled for the background
// retrier. Only when journaling also fails is an error returned and the entry
// left in the transferred state. Entries in other states are a no-op.
func (c *Coordinator) Rollback(ctx context.Context, e *Entry, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.rollbackLocked(ctx, e, reason)
}

// RollbackAll rolls back every transferred, uncommitted entry.
func (c *Coordinator) RollbackAll(ctx context.Context, reason string) error {
	var errs []error
	for _, e := range c.snapshot() {
		if err := c.Rollback(ctx, e, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Finalize runs once per request on every exit path. It releases staged files
// that were never attempted, rolls back uncommitted remote assets and reports
// anything it could not clean up. Later calls return the first report.
func (c *Coordinator) Finalize(ctx context.Context) Report {
	c.once.Do(func() {
		c.mu.Lock()
		c.finalized = true
		c.mu.Unlock()

		for _, e := range c.snapshot() {
			c.finalizeEntry(ctx, e)
		}
		c.report = c.buildReport()
		c.logReport()
	})
	return c.report
}

func (c *Coordinator) finalizeEntry(ctx context.Context, e *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stagingCleared {
		c.releaseLocked(e)
	}

	switch e.state {
	case StateStaged, StateFailed:
		if e.stagingCleared {
			e.state = StateReleased
		}
	case StateTransferred:
		if err := c.rollbackLocked(ctx, e, "uncommitted at finalize"); err != nil {
			c.logger.Error("finalize rollback failed", zap.String("public_id", e.asset.PublicID), zap.Error(err))
		}
	}
}

func (c *Coordinator) rollbackLocked(ctx context.Context, e *Entry, reason string) error {
	if e.state != StateTransferred || e.asset == nil {
		return nil
	}

	err := c.deleteWithRetry(ctx, e.asset)
	if err == nil {
		e.rolledBack = true
		e.state = StateReleased
		observability.Rollbacks.WithLabelValues("deleted").Inc()
		c.logger.Info("rolled back remote asset",
			zap.String("public_id", e.asset.PublicID),
			zap.String("reason", reason),
		)
		return nil
	}

	if c.journal != nil {
		jerr := c.journal.Record(context.WithoutCancel(ctx), e.asset.PublicID, e.asset.Kind, reason+": "+err.Error())
		if jerr == nil {
			e.journaled = true
			e.state = StateReleased
			observability.Rollbacks.WithLabelValues("journaled").Inc()
			c.logger.Warn("rollback delete failed, journaled for retry",
				zap.String("public_id", e.asset.PublicID),
				zap.Error(err),
			)
			return nil
		}
		err = errors.Join(err, fmt.Errorf("journal: %w", jerr))
	}

	observability.Rollbacks.WithLabelValues("failed").Inc()
	return fmt.Errorf("rollback %s: %w", e.asset.PublicID, err)
}

func (c *Coordinator) deleteWithRetry(ctx context.Context, asset *media.RemoteAsset) error {
	var err error
	for attempt := 1; attempt <= c.opts.RollbackAttempts; attempt++ {
		if err = c.deleter.Delete(ctx, asset.PublicID, asset.Kind); err == nil {
			return nil
		}
		if attempt == c.opts.RollbackAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(c.opts.RetryDelay * time.Duration(attempt)):
		}
	}
	return err
}

// releaseLocked deletes the staged copy and reports whether it is gone.
func (c *Coordinator) releaseLocked(e *Entry) bool {
	if e.stagingCleared {
		return true
	}
	if err := c.releaser.Release(e.file); err != nil {
		c.logger.Warn("failed to release staged file", zap.String("file", e.file.Name), zap.Error(err))
		return false
	}
	e.stagingCleared = true
	return true
}

func (c *Coordinator) snapshot() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Entry(nil), c.entries...)
}
