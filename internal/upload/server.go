// Package upload runs one multi-file upload request end to end: validation,
// staged transfer to the remote store, record building, persistence and
// cleanup.
package upload

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/cleanup"
	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// StagingInterface is the part of the staging store the orchestrator needs.
type StagingInterface interface {
	Release(sf *staging.StagedFile) error
	Sniff(sf *staging.StagedFile) (string, error)
}

// RecordStore persists media records.
type RecordStore interface {
	Save(ctx context.Context, rec media.MediaRecord) error
	Get(ctx context.Context, id string) (*media.MediaRecord, error)
	ListByEntity(ctx context.Context, ref media.EntityRef) ([]media.MediaRecord, error)
	DeleteByID(ctx context.Context, id string) error
}

// BatchSaver is implemented by stores that can save a batch atomically.
type BatchSaver interface {
	SaveAll(ctx context.Context, recs []media.MediaRecord) error
}

// Reserver claims public identifiers before upload.
type Reserver interface {
	Reserve(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

type Config struct {
	MaxFiles      int
	MaxImageBytes int64
	MaxVideoBytes int64
	// MaxConcurrent bounds remote transfers within one batch.
	MaxConcurrent int
	// MaxInFlight bounds remote transfers across all requests.
	MaxInFlight      int64
	FolderRoot       string
	PersistTimeout   time.Duration
	FinalizeTimeout  time.Duration
	RollbackAttempts int
}

func (c *Config) applyDefaults() {
	if c.MaxFiles <= 0 {
		c.MaxFiles = 10
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 10 << 20
	}
	if c.MaxVideoBytes <= 0 {
		c.MaxVideoBytes = 100 << 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 32
	}
	if c.FolderRoot == "" {
		c.FolderRoot = "campaign"
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 30 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 2 * time.Minute
	}
	if c.RollbackAttempts <= 0 {
		c.RollbackAttempts = 3
	}
}

// Deps are the collaborators of an Orchestrator. Journal and Reserver are optional.
type Deps struct {
	Staging  StagingInterface
	Gateway  gateway.Gateway
	Store    RecordStore
	Journal  cleanup.Journal
	Reserver Reserver
	Logger   *zap.Logger
}

type Orchestrator struct {
	cfg       Config
	staging   StagingInterface
	gateway   gateway.Gateway
	store     RecordStore
	journal   cleanup.Journal
	reserver  Reserver
	builder   *media.Builder
	validate  *validator.Validate
	uploadSem *semaphore.Weighted
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		staging:   deps.Staging,
		gateway:   deps.Gateway,
		store:     deps.Store,
		journal:   deps.Journal,
		reserver:  deps.Reserver,
		builder:   media.NewBuilder(),
		validate:  validator.New(),
		uploadSem: semaphore.NewWeighted(cfg.MaxInFlight),
		logger:    logger,
		tracer:    otel.Tracer("campaignmedia/upload"),
		now:       time.Now,
	}
}

// Config returns the effective limits after defaults.
func (o *Orchestrator) Config() Config {
	return o.cfg
}
