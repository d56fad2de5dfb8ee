package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Store abstracts row-level persistence for the ledger. Every method takes
// the caller's querier so multiple operations share one transaction. The
// PostgreSQL implementation locks rows on read (FOR UPDATE); UpdateQuantities
// is additionally conditional on the row version read under the lock, so a
// store without row locks still cannot lose a concurrent update.
type Store interface {
	GetForUpdate(ctx context.Context, q db.Querier, key EntryKey) (Entry, error)
	Insert(ctx context.Context, q db.Querier, entry Entry) error
	UpdateQuantities(ctx context.Context, q db.Querier, key EntryKey, onHand, reserved decimal.Decimal, version int64) error
	Candidates(ctx context.Context, q db.Querier, warehouse, itemID, lot string) ([]Entry, error)
	List(ctx context.Context, warehouse, itemID string) ([]Entry, error)
}

// ErrVersionConflict indicates a concurrent writer got to the row first.
// Mutations retry internally; callers never see it under row locking.
var ErrVersionConflict = errors.New("ledger: row version conflict")

// Ledger owns all quantity mutations. Other components never write ledger
// rows directly.
type Ledger struct {
	store Store
}

// New builds a Ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Reserve places a soft hold of qty against the row. Availability is
// re-checked immediately before the write; the reservation either fully
// succeeds or fails with ErrInsufficientStock.
func (l *Ledger) Reserve(ctx context.Context, q db.Querier, key EntryKey, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	err := l.mutate(ctx, q, key, func(e Entry) (decimal.Decimal, decimal.Decimal, error) {
		if e.Available().LessThan(qty) {
			return decimal.Zero, decimal.Zero, &InsufficientStockError{
				ItemID: key.ItemID, Warehouse: key.Warehouse, Bin: key.Bin,
				Requested: qty, Available: e.Available(),
			}
		}
		return e.OnHand, e.Reserved.Add(qty), nil
	})
	if errors.Is(err, ErrEntryNotFound) {
		return &InsufficientStockError{ItemID: key.ItemID, Warehouse: key.Warehouse, Bin: key.Bin, Requested: qty, Available: decimal.Zero}
	}
	return err
}

// Release returns a reserved quantity to availability without touching
// on-hand. Used on cancel, reject and reallocation.
func (l *Ledger) Release(ctx context.Context, q db.Querier, key EntryKey, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	return l.mutate(ctx, q, key, func(e Entry) (decimal.Decimal, decimal.Decimal, error) {
		if e.Reserved.LessThan(qty) {
			return decimal.Zero, decimal.Zero, ErrReservationUnderflow
		}
		return e.OnHand, e.Reserved.Sub(qty), nil
	})
}

// Commit converts a reserved quantity into a real deduction: on-hand and
// reserved both decrease by qty.
func (l *Ledger) Commit(ctx context.Context, q db.Querier, key EntryKey, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	return l.mutate(ctx, q, key, func(e Entry) (decimal.Decimal, decimal.Decimal, error) {
		if e.Reserved.LessThan(qty) || e.OnHand.LessThan(qty) {
			return decimal.Zero, decimal.Zero, ErrReservationUnderflow
		}
		return e.OnHand.Sub(qty), e.Reserved.Sub(qty), nil
	})
}

// Deposit adds qty to a row, creating it when absent. Used for GRPO
// receipts and the destination side of a posted transfer.
func (l *Ledger) Deposit(ctx context.Context, q db.Querier, key EntryKey, qty decimal.Decimal, expiry time.Time) error {
	if qty.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := l.store.GetForUpdate(ctx, q, key)
		if errors.Is(err, ErrEntryNotFound) {
			return l.store.Insert(ctx, q, Entry{
				Key:        key,
				OnHand:     qty,
				Reserved:   decimal.Zero,
				ExpiryDate: expiry,
				ReceivedAt: time.Now().UTC(),
			})
		}
		if err != nil {
			return err
		}
		err = l.store.UpdateQuantities(ctx, q, key, entry.OnHand.Add(qty), entry.Reserved, entry.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
}

// Candidates returns lockable source rows for the allocation engine,
// filtered to positive availability and restricted to one lot when lot is
// non-empty.
func (l *Ledger) Candidates(ctx context.Context, q db.Querier, warehouse, itemID, lot string) ([]Entry, error) {
	entries, err := l.store.Candidates(ctx, q, warehouse, itemID, lot)
	if err != nil {
		return nil, err
	}
	open := entries[:0]
	for _, e := range entries {
		if e.Available().Sign() > 0 {
			open = append(open, e)
		}
	}
	return open, nil
}

// Availability reads on-hand and reserved per bin without locking.
func (l *Ledger) Availability(ctx context.Context, warehouse, itemID string) ([]Entry, error) {
	return l.store.List(ctx, warehouse, itemID)
}

func (l *Ledger) mutate(ctx context.Context, q db.Querier, key EntryKey, fn func(Entry) (decimal.Decimal, decimal.Decimal, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := l.store.GetForUpdate(ctx, q, key)
		if err != nil {
			return err
		}
		onHand, reserved, err := fn(entry)
		if err != nil {
			return err
		}
		err = l.store.UpdateQuantities(ctx, q, key, onHand, reserved, entry.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
}
