package database

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
)

// Record journals a remote asset whose delete has to be retried.
func (p *PostgresDB) Record(ctx context.Context, publicID string, kind media.Kind, reason string) error {
	query := `
        INSERT INTO pending_deletions (public_id, kind, reason, max_attempts)
        VALUES ($1, $2, $3, $4)
    `
	if _, err := p.db.ExecContext(ctx, query, publicID, string(kind), reason, DefaultMaxAttempts); err != nil {
		return fmt.Errorf("journal deletion: %w", err)
	}
	return nil
}

// NextDue claims up to limit due deletions. Rows stuck in processing for
// longer than staleAfter (a crashed retrier) are claimed again.
func (p *PostgresDB) NextDue(ctx context.Context, limit int, staleAfter time.Duration) ([]PendingDeletion, error) {
	query := `
        UPDATE pending_deletions
        SET status = 'processing', updated_at = NOW()
        WHERE id IN (
            SELECT id FROM pending_deletions
            WHERE (status = 'pending' AND next_attempt_at <= NOW())
               OR (status = 'processing' AND updated_at < NOW() - make_interval(secs => $2))
            ORDER BY next_attempt_at
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, public_id, kind, reason, status, attempts, max_attempts, last_error,
            next_attempt_at, created_at, updated_at, completed_at
    `
	rows, err := p.db.QueryContext(ctx, query, limit, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim deletions: %w", err)
	}
	defer rows.Close()

	var out []PendingDeletion
	for rows.Next() {
		var (
			d    PendingDeletion
			kind string
		)
		if err := rows.Scan(&d.ID, &d.PublicID, &kind, &d.Reason, &d.Status, &d.Attempts, &d.MaxAttempts,
			&d.LastError, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt); err != nil {
			return nil, err
		}
		d.Kind = media.Kind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresDB) MarkDone(ctx context.Context, id int64) error {
	query := `
        UPDATE pending_deletions
        SET status = 'done', completed_at = NOW(), updated_at = NOW()
        WHERE id = $1
    `
	_, err := p.db.ExecContext(ctx, query, id)
	return err
}

// MarkAttempt records a failed retry. The row becomes failed once it has used
// all its attempts.
func (p *PostgresDB) MarkAttempt(ctx context.Context, id int64, lastErr string, next time.Time) error {
	query := `
        UPDATE pending_deletions
        SET attempts = attempts + 1,
            last_error = $2,
            next_attempt_at = $3,
            status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
            updated_at = NOW()
        WHERE id = $1
    `
	_, err := p.db.ExecContext(ctx, query, id, lastErr, next)
	return err
}

func (p *PostgresDB) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_deletions WHERE status IN ('pending', 'processing')`).Scan(&n)
	return n, err
}
