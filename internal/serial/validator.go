package serial

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Store abstracts serial record persistence. Methods take the caller's
// querier so validation and reservation join the caller's transaction.
type Store interface {
	GetForUpdate(ctx context.Context, q db.Querier, itemID, serial string) (Record, error)
	Insert(ctx context.Context, q db.Querier, rec Record) error
	UpdateStatus(ctx context.Context, q db.Querier, itemID, serial string, from, to Status) error
	UpdateLocation(ctx context.Context, q db.Querier, itemID, serial, warehouse, bin string, status Status) error
}

// ErrStatusConflict indicates a status update raced with another writer.
var ErrStatusConflict = errors.New("serial: status changed concurrently")

// Validator enforces uniqueness, existence and location consistency for
// serial-tracked items, and is the only component that rewrites a serial's
// location.
type Validator struct {
	store Store
}

// NewValidator builds a Validator.
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate checks the serials of one outbound line against the requested
// source warehouse. It locks each record and returns them so the caller can
// build bin-level allocations from the verified locations.
func (v *Validator) Validate(ctx context.Context, q db.Querier, itemID, sourceWarehouse string, serials []string) ([]Record, error) {
	if len(serials) == 0 {
		return nil, fmt.Errorf("%w: empty serial list", ErrUnknownSerial)
	}
	seen := make(map[string]struct{}, len(serials))
	records := make([]Record, 0, len(serials))
	for _, s := range serials {
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSerial, s)
		}
		seen[s] = struct{}{}
		rec, err := v.store.GetForUpdate(ctx, q, itemID, s)
		if err != nil {
			if errors.Is(err, ErrUnknownSerial) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownSerial, s)
			}
			return nil, err
		}
		switch rec.Status {
		case StatusReserved:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyReserved, s)
		case StatusShipped:
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, s)
		}
		if rec.Warehouse != sourceWarehouse {
			return nil, fmt.Errorf("%w: %s is at %s, requested %s", ErrWrongLocation, s, rec.Warehouse, sourceWarehouse)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ValidateInbound checks that none of the serials exist yet for the item.
// Used for GRPO lines that register new units.
func (v *Validator) ValidateInbound(ctx context.Context, q db.Querier, itemID string, serials []string) error {
	seen := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSerial, s)
		}
		seen[s] = struct{}{}
		_, err := v.store.GetForUpdate(ctx, q, itemID, s)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateSerial, s)
		}
		if !errors.Is(err, ErrUnknownSerial) {
			return err
		}
	}
	return nil
}

// Reserve flips each unit from IN_STOCK to RESERVED. The conditional update
// means two concurrent reservations of the same unit cannot both succeed.
func (v *Validator) Reserve(ctx context.Context, q db.Querier, itemID string, serials []string) error {
	for _, s := range serials {
		if err := v.store.UpdateStatus(ctx, q, itemID, s, StatusInStock, StatusReserved); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return fmt.Errorf("%w: %s", ErrAlreadyReserved, s)
			}
			return err
		}
	}
	return nil
}

// Release returns reserved units to stock on cancel, reject or
// reallocation.
func (v *Validator) Release(ctx context.Context, q db.Querier, itemID string, serials []string) error {
	for _, s := range serials {
		if err := v.store.UpdateStatus(ctx, q, itemID, s, StatusReserved, StatusInStock); err != nil {
			return err
		}
	}
	return nil
}

// CommitTransfer rewrites each moved unit's location to the destination and
// puts it back in stock. This is the only place serial location changes.
func (v *Validator) CommitTransfer(ctx context.Context, q db.Querier, itemID string, serials []string, dstWarehouse, dstBin string) error {
	for _, s := range serials {
		if err := v.store.UpdateLocation(ctx, q, itemID, s, dstWarehouse, dstBin, StatusInStock); err != nil {
			return err
		}
	}
	return nil
}

// RegisterInbound creates records for newly received units.
func (v *Validator) RegisterInbound(ctx context.Context, q db.Querier, itemID string, serials []string, warehouse, bin string) error {
	for _, s := range serials {
		err := v.store.Insert(ctx, q, Record{
			Serial:    s,
			ItemID:    itemID,
			Warehouse: warehouse,
			Bin:       bin,
			Status:    StatusInStock,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
