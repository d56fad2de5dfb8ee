package erpsync

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Repository persists sync attempts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const attemptColumns = `id, document_id, idempotency_key, payload_hash, outcome, external_ref, reason, created_at, resolved_at`

// Insert appends one attempt row.
func (r *Repository) Insert(ctx context.Context, q db.Querier, attempt Attempt) error {
	_, err := q.Exec(ctx, `INSERT INTO sync_attempts (id, document_id, idempotency_key, payload_hash, outcome, external_ref, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		attempt.ID, attempt.DocumentID, attempt.IdempotencyKey, attempt.PayloadHash,
		string(attempt.Outcome), attempt.ExternalRef, attempt.Reason)
	return err
}

// Latest returns the most recent attempt for a document.
func (r *Repository) Latest(ctx context.Context, q db.Querier, documentID uuid.UUID) (Attempt, error) {
	row := q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM sync_attempts
WHERE document_id=$1 ORDER BY created_at DESC LIMIT 1`, documentID)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attempt{}, ErrNoAttempt
		}
		return Attempt{}, err
	}
	return attempt, nil
}

// MarkOutcome resolves one attempt. Attempt rows are never deleted.
func (r *Repository) MarkOutcome(ctx context.Context, q db.Querier, attemptID uuid.UUID, outcome AttemptOutcome, externalRef, reason string) error {
	tag, err := q.Exec(ctx, `UPDATE sync_attempts SET outcome=$2, external_ref=$3, reason=$4, resolved_at=NOW()
WHERE id=$1`, attemptID, string(outcome), externalRef, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoAttempt
	}
	return nil
}

// ListForDocument returns the full attempt trail, oldest first.
func (r *Repository) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]Attempt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+attemptColumns+` FROM sync_attempts
WHERE document_id=$1 ORDER BY created_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		a        Attempt
		outcome  string
		resolved pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &a.DocumentID, &a.IdempotencyKey, &a.PayloadHash,
		&outcome, &a.ExternalRef, &a.Reason, &a.CreatedAt, &resolved); err != nil {
		return Attempt{}, err
	}
	a.Outcome = AttemptOutcome(outcome)
	a.ResolvedAt = resolved.Time
	return a, nil
}
