package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
)

// MemoryStore keeps records and the deletion journal in process. It is used
// when no database URL is configured and in tests. The Fail hooks inject
// persistence faults.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]media.MediaRecord
	deletions []*PendingDeletion
	nextID    int64

	// FailSave, when set, is consulted before each record is stored.
	FailSave func(rec media.MediaRecord) error
	// FailJournal, when set, makes Record return it.
	FailJournal error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]media.MediaRecord)}
}

func (m *MemoryStore) Save(ctx context.Context, rec media.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(rec); err != nil {
		return &media.PersistenceError{Op: "save", Err: err}
	}
	m.records[rec.ID] = rec
	return nil
}

// SaveAll stores all records or none.
func (m *MemoryStore) SaveAll(ctx context.Context, recs []media.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if err := m.checkLocked(rec); err != nil {
			return &media.PersistenceError{Op: "save batch", Err: err}
		}
	}
	for _, rec := range recs {
		m.records[rec.ID] = rec
	}
	return nil
}

func (m *MemoryStore) checkLocked(rec media.MediaRecord) error {
	if m.FailSave != nil {
		if err := m.FailSave(rec); err != nil {
			return err
		}
	}
	if _, ok := m.records[rec.ID]; ok {
		return errors.New("duplicate record id")
	}
	for _, existing := range m.records {
		if existing.PublicID == rec.PublicID {
			return errors.New("duplicate public id")
		}
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*media.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, media.ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) ListByEntity(ctx context.Context, ref media.EntityRef) ([]media.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []media.MediaRecord
	for _, rec := range m.records {
		if rec.Entity == ref {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return media.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// Len is the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Record(ctx context.Context, publicID string, kind media.Kind, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailJournal != nil {
		return m.FailJournal
	}
	m.nextID++
	now := time.Now().UTC()
	m.deletions = append(m.deletions, &PendingDeletion{
		ID:            m.nextID,
		PublicID:      publicID,
		Kind:          kind,
		Reason:        reason,
		Status:        DeletionPending,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return nil
}

func (m *MemoryStore) NextDue(ctx context.Context, limit int, staleAfter time.Duration) ([]PendingDeletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []PendingDeletion
	for _, d := range m.deletions {
		if len(out) >= limit {
			break
		}
		due := d.Status == DeletionPending && !d.NextAttemptAt.After(now)
		stale := d.Status == DeletionProcessing && now.Sub(d.UpdatedAt) > staleAfter
		if !due && !stale {
			continue
		}
		d.Status = DeletionProcessing
		d.UpdatedAt = now
		out = append(out, *d)
	}
	return out, nil
}

func (m *MemoryStore) MarkDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.findLocked(id)
	if d == nil {
		return media.ErrNotFound
	}
	now := time.Now().UTC()
	d.Status = DeletionDone
	d.CompletedAt = &now
	d.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkAttempt(ctx context.Context, id int64, lastErr string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.findLocked(id)
	if d == nil {
		return media.ErrNotFound
	}
	d.Attempts++
	d.LastError = lastErr
	d.NextAttemptAt = next
	d.UpdatedAt = time.Now().UTC()
	if d.Attempts >= d.MaxAttempts {
		d.Status = DeletionFailed
	} else {
		d.Status = DeletionPending
	}
	return nil
}

func (m *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.deletions {
		if d.Status == DeletionPending || d.Status == DeletionProcessing {
			n++
		}
	}
	return n, nil
}

// Deletions returns a copy of the journal.
func (m *MemoryStore) Deletions() []PendingDeletion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingDeletion, len(m.deletions))
	for i, d := range m.deletions {
		out[i] = *d
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) findLocked(id int64) *PendingDeletion {
	for _, d := range m.deletions {
		if d.ID == id {
			return d
		}
	}
	return nil
}
