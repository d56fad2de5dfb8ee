package document

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Repository persists documents, lines, allocations and approvals in
// PostgreSQL. Mutations run inside WithTx so document state, ledger rows and
// serial records commit or roll back together.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Querier exposes the pool for non-transactional work such as recording a
// sync attempt outside the posting transaction.
func (r *Repository) Querier() db.Querier {
	return r.pool
}

// WithTx runs fn in one transaction. The TxRepository it receives shares the
// transaction's querier with the ledger and serial stores.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// TxRepository is the transactional slice of the repository.
type TxRepository interface {
	Querier() db.Querier
	GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (Document, error)
	InsertDocument(ctx context.Context, doc Document) error
	// UpdateDocument writes state, version+1 and external_ref conditional on
	// the version the caller read. Zero rows affected means a concurrent
	// writer won.
	UpdateDocument(ctx context.Context, doc Document) error
	GetLine(ctx context.Context, lineID uuid.UUID) (Line, error)
	ListLines(ctx context.Context, documentID uuid.UUID) ([]Line, error)
	InsertLine(ctx context.Context, line Line) error
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, lineID uuid.UUID) error
	ReplaceAllocations(ctx context.Context, documentID, lineID uuid.UUID, allocs []allocation.Allocation) error
	DeleteAllocations(ctx context.Context, lineID uuid.UUID) error
	InsertApproval(ctx context.Context, approval Approval) error
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Querier() db.Querier { return t.tx }

const documentColumns = `id, number, doc_type, branch, source_warehouse, dest_warehouse, state, created_by, created_at, updated_at, version, external_ref`

func (t *txRepo) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, id)
	return scanDocument(row)
}

func (t *txRepo) InsertDocument(ctx context.Context, doc Document) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO documents (id, number, doc_type, branch, source_warehouse, dest_warehouse, state, created_by, created_at, updated_at, version, external_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), 1, '')`,
		doc.ID, doc.Number, string(doc.Type), doc.Branch, doc.SourceWarehouse, doc.DestWarehouse,
		string(doc.State), doc.CreatedBy)
	return err
}

func (t *txRepo) UpdateDocument(ctx context.Context, doc Document) error {
	tag, err := t.tx.Exec(ctx, `UPDATE documents SET state=$2, external_ref=$3, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$4`, doc.ID, string(doc.State), doc.ExternalRef, doc.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

const lineColumns = `id, document_id, item_id, qty, uom, lot, serials, lot_tracked, serial_tracked, destination_bin, expiry_date`

func (t *txRepo) GetLine(ctx context.Context, lineID uuid.UUID) (Line, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+lineColumns+` FROM document_lines WHERE id=$1 FOR UPDATE`, lineID)
	line, err := scanLine(row)
	if err != nil {
		return Line{}, err
	}
	allocs, err := listAllocations(ctx, t.tx, line.ID)
	if err != nil {
		return Line{}, err
	}
	line.Allocations = allocs
	return line, nil
}

func (t *txRepo) ListLines(ctx context.Context, documentID uuid.UUID) ([]Line, error) {
	return listLines(ctx, t.tx, documentID)
}

func (t *txRepo) InsertLine(ctx context.Context, line Line) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO document_lines (id, document_id, item_id, qty, uom, lot, serials, lot_tracked, serial_tracked, destination_bin, expiry_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		line.ID, line.DocumentID, line.ItemID, decimalToNumeric(line.Qty), line.UoM, line.Lot,
		line.Serials, line.LotTracked, line.SerialTracked, line.DestinationBin,
		pgtype.Timestamptz{Time: line.ExpiryDate, Valid: !line.ExpiryDate.IsZero()})
	return err
}

func (t *txRepo) UpdateLine(ctx context.Context, line Line) error {
	tag, err := t.tx.Exec(ctx, `UPDATE document_lines SET item_id=$2, qty=$3, uom=$4, lot=$5, serials=$6, lot_tracked=$7, serial_tracked=$8, destination_bin=$9, expiry_date=$10
WHERE id=$1`,
		line.ID, line.ItemID, decimalToNumeric(line.Qty), line.UoM, line.Lot, line.Serials,
		line.LotTracked, line.SerialTracked, line.DestinationBin,
		pgtype.Timestamptz{Time: line.ExpiryDate, Valid: !line.ExpiryDate.IsZero()})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteLine(ctx context.Context, lineID uuid.UUID) error {
	if err := t.DeleteAllocations(ctx, lineID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM document_lines WHERE id=$1`, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) ReplaceAllocations(ctx context.Context, documentID, lineID uuid.UUID, allocs []allocation.Allocation) error {
	if err := t.DeleteAllocations(ctx, lineID); err != nil {
		return err
	}
	for _, a := range allocs {
		_, err := t.tx.Exec(ctx, `INSERT INTO line_allocations (id, line_id, document_id, warehouse, bin, lot_or_serial, qty, expiry_date, inbound)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.LineID, documentID, a.Warehouse, a.Bin, a.LotOrSerial, decimalToNumeric(a.Qty),
			pgtype.Timestamptz{Time: a.ExpiryDate, Valid: !a.ExpiryDate.IsZero()}, a.Inbound)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) DeleteAllocations(ctx context.Context, lineID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM line_allocations WHERE line_id=$1`, lineID)
	return err
}

func (t *txRepo) InsertApproval(ctx context.Context, approval Approval) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO qc_approvals (id, document_id, decision, reviewer, notes, decided_at)
VALUES ($1, $2, $3, $4, $5, NOW())`,
		approval.ID, approval.DocumentID, string(approval.Decision), approval.Reviewer, approval.Notes)
	return err
}

// GetDocument reads one document with its lines and allocations, without
// locking.
func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (Document, []Line, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, nil, err
	}
	lines, err := listLines(ctx, r.pool, id)
	if err != nil {
		return Document{}, nil, err
	}
	return doc, lines, nil
}

// ListByState returns documents in one state, oldest first, optionally
// filtered by branch.
func (r *Repository) ListByState(ctx context.Context, state State, branch string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE state=$1`
	args := []any{string(state)}
	if branch != "" {
		query += ` AND branch=$2`
		args = append(args, branch)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListStalePending returns ids of documents parked in POSTED_PENDING longer
// than the given age. The reconciliation sweep feeds on this.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM documents WHERE state=$1 AND updated_at < NOW() - $2::interval ORDER BY updated_at ASC`,
		string(StatePostedPending), olderThan.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListApprovals returns the QC trail for a document, oldest first.
func (r *Repository) ListApprovals(ctx context.Context, documentID uuid.UUID) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, decision, reviewer, notes, decided_at FROM qc_approvals
WHERE document_id=$1 ORDER BY decided_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		var (
			a        Approval
			decision string
		)
		if err := rows.Scan(&a.ID, &a.DocumentID, &decision, &a.Reviewer, &a.Notes, &a.At); err != nil {
			return nil, err
		}
		a.Decision = Decision(decision)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listLines(ctx context.Context, q queryer, documentID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM document_lines WHERE document_id=$1 ORDER BY item_id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range lines {
		allocs, err := listAllocations(ctx, q, lines[i].ID)
		if err != nil {
			return nil, err
		}
		lines[i].Allocations = allocs
	}
	return lines, nil
}

func listAllocations(ctx context.Context, q queryer, lineID uuid.UUID) ([]allocation.Allocation, error) {
	rows, err := q.Query(ctx, `SELECT id, line_id, warehouse, bin, lot_or_serial, qty, expiry_date, inbound FROM line_allocations
WHERE line_id=$1 ORDER BY bin, lot_or_serial`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocs []allocation.Allocation
	for rows.Next() {
		var (
			a      allocation.Allocation
			qty    pgtype.Numeric
			expiry pgtype.Timestamptz
		)
		if err := rows.Scan(&a.ID, &a.LineID, &a.Warehouse, &a.Bin, &a.LotOrSerial, &qty, &expiry, &a.Inbound); err != nil {
			return nil, err
		}
		a.Qty = numericToDecimal(qty)
		a.ExpiryDate = expiry.Time
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc     Document
		docType string
		state   string
	)
	err := row.Scan(&doc.ID, &doc.Number, &docType, &doc.Branch, &doc.SourceWarehouse, &doc.DestWarehouse,
		&state, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt, &doc.Version, &doc.ExternalRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	doc.Type = Type(docType)
	doc.State = State(state)
	return doc, nil
}

func scanDocuments(rows pgx.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanLine(row pgx.Row) (Line, error) {
	var (
		line   Line
		qty    pgtype.Numeric
		expiry pgtype.Timestamptz
	)
	err := row.Scan(&line.ID, &line.DocumentID, &line.ItemID, &qty, &line.UoM, &line.Lot,
		&line.Serials, &line.LotTracked, &line.SerialTracked, &line.DestinationBin, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	line.Qty = numericToDecimal(qty)
	line.ExpiryDate = expiry.Time
	return line, nil
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
