package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKey identifies one stock ledger row. LotOrSerial is empty for plain
// quantity items, a lot code for lot-tracked items and the serial value for
// serial-tracked units.
type EntryKey struct {
	Warehouse   string
	Bin         string
	ItemID      string
	LotOrSerial string
}

// Entry is the authoritative quantity state for one ledger row.
// Invariant: OnHand - Reserved >= 0 at all times.
type Entry struct {
	Key        EntryKey
	OnHand     decimal.Decimal
	Reserved   decimal.Decimal
	ExpiryDate time.Time
	ReceivedAt time.Time
	Version    int64
	UpdatedAt  time.Time
}

// Available returns the quantity open for new reservations.
func (e Entry) Available() decimal.Decimal {
	return e.OnHand.Sub(e.Reserved)
}

// ErrInsufficientStock indicates a reservation exceeding availability.
var ErrInsufficientStock = errors.New("ledger: insufficient stock")

// ErrEntryNotFound indicates a missing ledger row.
var ErrEntryNotFound = errors.New("ledger: entry not found")

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

// ErrReservationUnderflow indicates a release or commit larger than the
// reserved amount, which means the caller's bookkeeping is corrupt.
var ErrReservationUnderflow = errors.New("ledger: release exceeds reserved quantity")

// InsufficientStockError carries enough context to render a precise user
// message upstream. It matches ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	ItemID    string
	Warehouse string
	Bin       string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock for item %s at %s/%s: requested %s, available %s",
		e.ItemID, e.Warehouse, e.Bin, e.Requested, e.Available)
}

// Is makes the typed error match the package sentinel.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
