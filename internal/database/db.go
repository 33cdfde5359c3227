// Package database stores media records and the rollback deletion journal.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(connectionString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const insertRecord = `
    INSERT INTO media_records (id, kind, title, filename, mime_type, url, public_id, thumbnail_url,
        variants, bytes, width, height, duration, tags, entity_kind, entity_id, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, ex execer, rec media.MediaRecord) error {
	variants, err := json.Marshal(orEmpty(rec.Variants))
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = ex.ExecContext(ctx, insertRecord,
		rec.ID,
		string(rec.Kind),
		rec.Title,
		rec.Filename,
		rec.MIMEType,
		rec.URL,
		rec.PublicID,
		rec.ThumbnailURL,
		variants,
		rec.Bytes,
		rec.Width,
		rec.Height,
		rec.Duration,
		pq.Array(tags),
		string(rec.Entity.Kind),
		rec.Entity.ID,
		rec.CreatedAt,
	)
	return err
}

func (p *PostgresDB) Save(ctx context.Context, rec media.MediaRecord) error {
	if err := insert(ctx, p.db, rec); err != nil {
		return &media.PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// SaveAll stores every record in one transaction.
func (p *PostgresDB) SaveAll(ctx context.Context, recs []media.MediaRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &media.PersistenceError{Op: "begin", Err: err}
	}
	for _, rec := range recs {
		if err := insert(ctx, tx, rec); err != nil {
			_ = tx.Rollback()
			return &media.PersistenceError{Op: "save batch", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &media.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

const selectRecord = `
    SELECT id, kind, title, filename, mime_type, url, public_id, thumbnail_url, variants,
        bytes, width, height, duration, tags, entity_kind, entity_id, created_at
    FROM media_records
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*media.MediaRecord, error) {
	var (
		rec        media.MediaRecord
		kind       string
		entityKind string
		variants   []byte
		tags       []string
	)
	err := s.Scan(
		&rec.ID,
		&kind,
		&rec.Title,
		&rec.Filename,
		&rec.MIMEType,
		&rec.URL,
		&rec.PublicID,
		&rec.ThumbnailURL,
		&variants,
		&rec.Bytes,
		&rec.Width,
		&rec.Height,
		&rec.Duration,
		pq.Array(&tags),
		&entityKind,
		&rec.Entity.ID,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = media.Kind(kind)
	rec.Entity.Kind = media.EntityKind(entityKind)
	if len(tags) > 0 {
		rec.Tags = tags
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &rec.Variants); err != nil {
			return nil, fmt.Errorf("decode variants: %w", err)
		}
		if len(rec.Variants) == 0 {
			rec.Variants = nil
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (p *PostgresDB) Get(ctx context.Context, id string) (*media.MediaRecord, error) {
	row := p.db.QueryRowContext(ctx, selectRecord+` WHERE id = $1 AND deleted_at IS NULL`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, media.ErrNotFound
	}
	if err != nil {
		var pqErr *pq.Error
		// invalid_text_representation: the id is not a UUID.
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return nil, media.ErrNotFound
		}
		return nil, &media.PersistenceError{Op: "get", Err: err}
	}
	return rec, nil
}

func (p *PostgresDB) ListByEntity(ctx context.Context, ref media.EntityRef) ([]media.MediaRecord, error) {
	rows, err := p.db.QueryContext(ctx, selectRecord+`
        WHERE entity_kind = $1 AND entity_id = $2 AND deleted_at IS NULL
        ORDER BY created_at DESC, id`,
		string(ref.Kind), ref.ID)
	if err != nil {
		return nil, &media.PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []media.MediaRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &media.PersistenceError{Op: "list", Err: err}
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &media.PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

// DeleteByID soft-deletes a record.
func (p *PostgresDB) DeleteByID(ctx context.Context, id string) error {
	query := `
        UPDATE media_records
        SET deleted_at = NOW()
        WHERE id = $1 AND deleted_at IS NULL
    `
	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return &media.PersistenceError{Op: "delete", Err: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return media.ErrNotFound
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
