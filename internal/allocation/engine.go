package allocation

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/ledger"
	"github.com/atlas-wms/atlas-wms/internal/platform/db"
	"github.com/atlas-wms/atlas-wms/internal/serial"
)

// LedgerPort is the slice of the stock ledger the engine needs.
type LedgerPort interface {
	Reserve(ctx context.Context, q db.Querier, key ledger.EntryKey, qty decimal.Decimal) error
	Release(ctx context.Context, q db.Querier, key ledger.EntryKey, qty decimal.Decimal) error
	Candidates(ctx context.Context, q db.Querier, warehouse, itemID, lot string) ([]ledger.Entry, error)
}

// SerialPort is the slice of the serial validator the engine needs.
type SerialPort interface {
	Validate(ctx context.Context, q db.Querier, itemID, sourceWarehouse string, serials []string) ([]serial.Record, error)
	ValidateInbound(ctx context.Context, q db.Querier, itemID string, serials []string) error
	Reserve(ctx context.Context, q db.Querier, itemID string, serials []string) error
	Release(ctx context.Context, q db.Querier, itemID string, serials []string) error
}

// Engine turns a requested line quantity into a concrete, reserved set of
// bin/serial level allocations. A call either reserves everything it
// returns or reserves nothing.
type Engine struct {
	ledger  LedgerPort
	serials SerialPort
}

// NewEngine builds an Engine.
func NewEngine(ledgerPort LedgerPort, serialPort SerialPort) *Engine {
	return &Engine{ledger: ledgerPort, serials: serialPort}
}

// Allocate computes and reserves allocations for one line. Policy: explicit
// serials for serial-tracked items (no substitution), FEFO for lot-tracked
// items, FIFO with multi-bin split for plain quantity items. Inbound lines
// allocate a destination only.
func (e *Engine) Allocate(ctx context.Context, q db.Querier, req Request) ([]Allocation, error) {
	if req.LineID == uuid.Nil || req.ItemID == "" || req.Qty.Sign() <= 0 {
		return nil, ErrInvalidRequest
	}
	if req.Inbound {
		return e.allocateInbound(ctx, q, req)
	}
	if req.SourceWarehouse == "" {
		return nil, ErrInvalidRequest
	}
	if req.SerialTracked {
		return e.allocateSerials(ctx, q, req)
	}
	return e.allocateQuantity(ctx, q, req)
}

// Release undoes the holds of previously created allocations. Used on
// cancel, reject and before re-running allocation for an edited line.
func (e *Engine) Release(ctx context.Context, q db.Querier, itemID string, allocs []Allocation, serialTracked bool) error {
	for _, a := range allocs {
		if a.Inbound {
			continue
		}
		key := ledger.EntryKey{Warehouse: a.Warehouse, Bin: a.Bin, ItemID: itemID, LotOrSerial: a.LotOrSerial}
		if err := e.ledger.Release(ctx, q, key, a.Qty); err != nil {
			return err
		}
		if serialTracked {
			if err := e.serials.Release(ctx, q, itemID, []string{a.LotOrSerial}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) allocateInbound(ctx context.Context, q db.Querier, req Request) ([]Allocation, error) {
	if req.DestinationBin == "" {
		return nil, ErrInvalidRequest
	}
	if req.SerialTracked {
		if int64(len(req.Serials)) != req.Qty.IntPart() || !req.Qty.Equal(decimal.NewFromInt(req.Qty.IntPart())) {
			return nil, ErrSerialCountMismatch
		}
		if err := e.serials.ValidateInbound(ctx, q, req.ItemID, req.Serials); err != nil {
			return nil, err
		}
		allocs := make([]Allocation, 0, len(req.Serials))
		for _, s := range req.Serials {
			allocs = append(allocs, Allocation{
				ID:          uuid.New(),
				LineID:      req.LineID,
				Bin:         req.DestinationBin,
				LotOrSerial: s,
				Qty:         decimal.NewFromInt(1),
				Inbound:     true,
			})
		}
		return allocs, nil
	}
	return []Allocation{{
		ID:          uuid.New(),
		LineID:      req.LineID,
		Bin:         req.DestinationBin,
		LotOrSerial: req.Lot,
		Qty:         req.Qty,
		Inbound:     true,
	}}, nil
}

func (e *Engine) allocateSerials(ctx context.Context, q db.Querier, req Request) ([]Allocation, error) {
	if int64(len(req.Serials)) != req.Qty.IntPart() || !req.Qty.Equal(decimal.NewFromInt(req.Qty.IntPart())) {
		return nil, ErrSerialCountMismatch
	}
	records, err := e.serials.Validate(ctx, q, req.ItemID, req.SourceWarehouse, req.Serials)
	if err != nil {
		return nil, err
	}
	if err := e.serials.Reserve(ctx, q, req.ItemID, req.Serials); err != nil {
		return nil, err
	}
	one := decimal.NewFromInt(1)
	reserved := make([]Allocation, 0, len(records))
	for _, rec := range records {
		key := ledger.EntryKey{Warehouse: rec.Warehouse, Bin: rec.Bin, ItemID: req.ItemID, LotOrSerial: rec.Serial}
		if err := e.ledger.Reserve(ctx, q, key, one); err != nil {
			e.rollback(ctx, q, req, reserved)
			_ = e.serials.Release(ctx, q, req.ItemID, req.Serials)
			return nil, err
		}
		reserved = append(reserved, Allocation{
			ID:          uuid.New(),
			LineID:      req.LineID,
			Warehouse:   rec.Warehouse,
			Bin:         rec.Bin,
			LotOrSerial: rec.Serial,
			Qty:         one,
		})
	}
	return reserved, nil
}

func (e *Engine) allocateQuantity(ctx context.Context, q db.Querier, req Request) ([]Allocation, error) {
	candidates, err := e.ledger.Candidates(ctx, q, req.SourceWarehouse, req.ItemID, req.Lot)
	if err != nil {
		return nil, err
	}
	if req.LotTracked && req.Lot != "" && len(candidates) == 0 {
		return nil, ErrLotMismatch
	}
	rankCandidates(candidates, req.LotTracked)

	total := decimal.Zero
	for _, c := range candidates {
		total = total.Add(c.Available())
	}
	if total.LessThan(req.Qty) {
		return nil, &ledger.InsufficientStockError{
			ItemID:    req.ItemID,
			Warehouse: req.SourceWarehouse,
			Requested: req.Qty,
			Available: total,
		}
	}

	remaining := req.Qty
	reserved := make([]Allocation, 0, len(candidates))
	for _, c := range candidates {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(remaining, c.Available())
		if take.Sign() <= 0 {
			continue
		}
		if err := e.ledger.Reserve(ctx, q, c.Key, take); err != nil {
			// Concurrent exhaustion of a row after ranking: undo every hold
			// this call made and fail whole.
			e.rollback(ctx, q, req, reserved)
			return nil, err
		}
		reserved = append(reserved, Allocation{
			ID:          uuid.New(),
			LineID:      req.LineID,
			Warehouse:   c.Key.Warehouse,
			Bin:         c.Key.Bin,
			LotOrSerial: c.Key.LotOrSerial,
			Qty:         take,
			ExpiryDate:  c.ExpiryDate,
		})
		remaining = remaining.Sub(take)
	}
	return reserved, nil
}

func (e *Engine) rollback(ctx context.Context, q db.Querier, req Request, reserved []Allocation) {
	for _, a := range reserved {
		key := ledger.EntryKey{Warehouse: a.Warehouse, Bin: a.Bin, ItemID: req.ItemID, LotOrSerial: a.LotOrSerial}
		_ = e.ledger.Release(ctx, q, key, a.Qty)
	}
}

// rankCandidates orders bins first-expired-first-out for lot-tracked items
// and oldest-receipt-first otherwise. Rows without an expiry sort last.
func rankCandidates(entries []ledger.Entry, lotTracked bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if lotTracked {
			switch {
			case a.ExpiryDate.IsZero() && !b.ExpiryDate.IsZero():
				return false
			case !a.ExpiryDate.IsZero() && b.ExpiryDate.IsZero():
				return true
			case !a.ExpiryDate.Equal(b.ExpiryDate):
				return a.ExpiryDate.Before(b.ExpiryDate)
			}
		}
		return a.ReceivedAt.Before(b.ReceivedAt)
	})
}
