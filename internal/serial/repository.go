package serial

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Repository persists serial records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetForUpdate locks and reads one serial record.
func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, itemID, serial string) (Record, error) {
	var rec Record
	var status string
	err := q.QueryRow(ctx, `SELECT serial, item_id, warehouse, bin, status, updated_at
FROM serial_records WHERE item_id=$1 AND serial=$2 FOR UPDATE`, itemID, serial).
		Scan(&rec.Serial, &rec.ItemID, &rec.Warehouse, &rec.Bin, &status, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrUnknownSerial
		}
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}

// Insert creates a serial record; a unique (item_id, serial) constraint
// turns races into ErrDuplicateSerial.
func (r *Repository) Insert(ctx context.Context, q db.Querier, rec Record) error {
	_, err := q.Exec(ctx, `INSERT INTO serial_records (serial, item_id, warehouse, bin, status, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())`, rec.Serial, rec.ItemID, rec.Warehouse, rec.Bin, string(rec.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSerial
		}
		return err
	}
	return nil
}

// UpdateStatus moves a record between statuses conditional on the expected
// current status.
func (r *Repository) UpdateStatus(ctx context.Context, q db.Querier, itemID, serial string, from, to Status) error {
	tag, err := q.Exec(ctx, `UPDATE serial_records SET status=$4, updated_at=NOW()
WHERE item_id=$1 AND serial=$2 AND status=$3`, itemID, serial, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateLocation rewrites a record's warehouse/bin and status.
func (r *Repository) UpdateLocation(ctx context.Context, q db.Querier, itemID, serial, warehouse, bin string, status Status) error {
	tag, err := q.Exec(ctx, `UPDATE serial_records SET warehouse=$3, bin=$4, status=$5, updated_at=NOW()
WHERE item_id=$1 AND serial=$2`, itemID, serial, warehouse, bin, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownSerial
	}
	return nil
}
