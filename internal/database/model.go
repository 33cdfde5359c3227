package database

import (
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
)

// Deletion journal statuses.
const (
	DeletionPending    = "pending"
	DeletionProcessing = "processing"
	DeletionDone       = "done"
	DeletionFailed     = "failed"
)

// DefaultMaxAttempts is how often the retrier tries a journaled deletion.
const DefaultMaxAttempts = 10

// PendingDeletion is a remote asset whose rollback delete has to be retried.
type PendingDeletion struct {
	ID            int64
	PublicID      string
	Kind          media.Kind
	Reason        string
	Status        string
	Attempts      int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}
