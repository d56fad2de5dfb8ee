package allocation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Allocation pins part of a document line to a concrete ledger row. Created
// only by the Engine, never edited by hand.
type Allocation struct {
	ID          uuid.UUID
	LineID      uuid.UUID
	Warehouse   string
	Bin         string
	LotOrSerial string
	Qty         decimal.Decimal
	// ExpiryDate is the source ledger row's expiry; posting deposits it at
	// the destination so the lot keeps its FEFO rank across the transfer.
	ExpiryDate time.Time
	// Inbound allocations record a destination only; nothing is reserved
	// against source stock.
	Inbound bool
}

// Request describes one line to allocate.
type Request struct {
	LineID          uuid.UUID
	ItemID          string
	Qty             decimal.Decimal
	SourceWarehouse string
	// DestinationBin receives inbound (GRPO) quantity.
	DestinationBin string
	// Lot restricts lot-tracked allocation to one explicit lot.
	Lot           string
	Serials       []string
	LotTracked    bool
	SerialTracked bool
	Inbound       bool
}

var (
	// ErrInvalidRequest indicates a malformed allocation request.
	ErrInvalidRequest = errors.New("allocation: invalid request")
	// ErrLotMismatch indicates the requested lot holds no stock at the source.
	ErrLotMismatch = errors.New("allocation: requested lot not available")
	// ErrSerialCountMismatch indicates the serial list does not cover the
	// requested quantity.
	ErrSerialCountMismatch = errors.New("allocation: serial count must equal requested quantity")
)
