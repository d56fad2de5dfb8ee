package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Repository persists ledger rows in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `warehouse, bin, item_id, lot_or_serial, on_hand, reserved, expiry_date, received_at, version, updated_at`

// GetForUpdate locks and reads one ledger row.
func (r *Repository) GetForUpdate(ctx context.Context, q db.Querier, key EntryKey) (Entry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger
WHERE warehouse=$1 AND bin=$2 AND item_id=$3 AND lot_or_serial=$4 FOR UPDATE`,
		key.Warehouse, key.Bin, key.ItemID, key.LotOrSerial)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return entry, nil
}

// Insert creates a new ledger row.
func (r *Repository) Insert(ctx context.Context, q db.Querier, entry Entry) error {
	_, err := q.Exec(ctx, `INSERT INTO stock_ledger (warehouse, bin, item_id, lot_or_serial, on_hand, reserved, expiry_date, received_at, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW())`,
		entry.Key.Warehouse, entry.Key.Bin, entry.Key.ItemID, entry.Key.LotOrSerial,
		decimalToNumeric(entry.OnHand), decimalToNumeric(entry.Reserved),
		pgtype.Timestamptz{Time: entry.ExpiryDate, Valid: !entry.ExpiryDate.IsZero()},
		pgtype.Timestamptz{Time: entry.ReceivedAt, Valid: true})
	return err
}

// UpdateQuantities writes new on-hand/reserved values conditional on the
// row version read under the lock.
func (r *Repository) UpdateQuantities(ctx context.Context, q db.Querier, key EntryKey, onHand, reserved decimal.Decimal, version int64) error {
	tag, err := q.Exec(ctx, `UPDATE stock_ledger SET on_hand=$5, reserved=$6, version=version+1, updated_at=NOW()
WHERE warehouse=$1 AND bin=$2 AND item_id=$3 AND lot_or_serial=$4 AND version=$7`,
		key.Warehouse, key.Bin, key.ItemID, key.LotOrSerial,
		decimalToNumeric(onHand), decimalToNumeric(reserved), version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Candidates locks and returns the rows of one item within a warehouse,
// optionally restricted to one lot. Stable bin order keeps concurrent
// allocators from deadlocking against each other.
func (r *Repository) Candidates(ctx context.Context, q db.Querier, warehouse, itemID, lot string) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM stock_ledger
WHERE warehouse=$1 AND item_id=$2`
	args := []any{warehouse, itemID}
	if lot != "" {
		query += ` AND lot_or_serial=$3`
		args = append(args, lot)
	}
	query += ` ORDER BY bin FOR UPDATE`
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List reads the rows of one item within a warehouse without locking.
func (r *Repository) List(ctx context.Context, warehouse, itemID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM stock_ledger
WHERE warehouse=$1 AND item_id=$2 ORDER BY bin`, warehouse, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e        Entry
		onHand   pgtype.Numeric
		reserved pgtype.Numeric
		expiry   pgtype.Timestamptz
		received pgtype.Timestamptz
		updated  pgtype.Timestamptz
	)
	if err := row.Scan(&e.Key.Warehouse, &e.Key.Bin, &e.Key.ItemID, &e.Key.LotOrSerial,
		&onHand, &reserved, &expiry, &received, &e.Version, &updated); err != nil {
		return Entry{}, err
	}
	e.OnHand = numericToDecimal(onHand)
	e.Reserved = numericToDecimal(reserved)
	e.ExpiryDate = expiry.Time
	e.ReceivedAt = received.Time
	e.UpdatedAt = updated.Time
	return e, nil
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.String())
	return n
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	v, err := n.Value()
	if err != nil {
		return decimal.Zero
	}
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
