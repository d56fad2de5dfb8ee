package document

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
)

// Type enumerates supported movement documents.
type Type string

const (
	// TypeGRPO is a goods receipt against a purchase order.
	TypeGRPO Type = "GRPO"
	// TypeInventoryTransfer moves plain or lot-tracked quantity between
	// warehouses.
	TypeInventoryTransfer Type = "InventoryTransfer"
	// TypeSerialTransfer moves serial-tracked units between warehouses.
	TypeSerialTransfer Type = "SerialTransfer"
)

// Valid reports whether t is a known document type.
func (t Type) Valid() bool {
	switch t {
	case TypeGRPO, TypeInventoryTransfer, TypeSerialTransfer:
		return true
	}
	return false
}

// RequiresQC reports whether documents of this type pass through QC review.
func (t Type) RequiresQC() bool {
	return t == TypeGRPO || t == TypeSerialTransfer
}

// Inbound reports whether the document receives stock rather than moving it.
func (t Type) Inbound() bool {
	return t == TypeGRPO
}

// State is the lifecycle position of a document.
type State string

const (
	StateDraft         State = "DRAFT"
	StateSubmitted     State = "SUBMITTED"
	StateQCPending     State = "QC_PENDING"
	StateQCApproved    State = "QC_APPROVED"
	StateQCRejected    State = "QC_REJECTED"
	StatePosted        State = "POSTED"
	StatePostedPending State = "POSTED_PENDING"
	StateCancelled     State = "CANCELLED"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StatePosted || s == StateCancelled || s == StateQCRejected
}

// Document is the aggregate root. All writes to its lines and allocations
// go through the service's transition and allocate operations.
type Document struct {
	ID              uuid.UUID
	Number          string
	Type            Type
	Branch          string
	SourceWarehouse string
	DestWarehouse   string
	State           State
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
	ExternalRef     string
}

// AllocationStatus summarises how much of a line is covered by allocations.
type AllocationStatus string

const (
	AllocationNone    AllocationStatus = "UNALLOCATED"
	AllocationPartial AllocationStatus = "PARTIALLY_ALLOCATED"
	AllocationFull    AllocationStatus = "FULLY_ALLOCATED"
)

// Line is one requested item movement within a document.
type Line struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	ItemID         string
	Qty            decimal.Decimal
	UoM            string
	Lot            string
	Serials        []string
	LotTracked     bool
	SerialTracked  bool
	DestinationBin string
	ExpiryDate     time.Time
	Allocations    []allocation.Allocation
}

// AllocatedQty sums the line's allocation quantities.
func (l Line) AllocatedQty() decimal.Decimal {
	total := decimal.Zero
	for _, a := range l.Allocations {
		total = total.Add(a.Qty)
	}
	return total
}

// AllocationStatus derives the line's coverage from its allocations.
func (l Line) AllocationStatus() AllocationStatus {
	allocated := l.AllocatedQty()
	switch {
	case allocated.Sign() == 0:
		return AllocationNone
	case allocated.LessThan(l.Qty):
		return AllocationPartial
	}
	return AllocationFull
}

// Decision is a QC reviewer verdict.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Approval is one immutable QC review record.
type Approval struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Decision   Decision
	Reviewer   string
	Notes      string
	At         time.Time
}

var (
	// ErrNotFound indicates a missing document or line.
	ErrNotFound = errors.New("document: not found")
	// ErrInvalidTransition indicates an event outside the transition table.
	ErrInvalidTransition = errors.New("document: invalid transition")
	// ErrConcurrentModification indicates a stale document version; the
	// caller must re-read and retry the whole action.
	ErrConcurrentModification = errors.New("document: concurrent modification")
	// ErrForbidden indicates the actor lacks the required capability.
	ErrForbidden = errors.New("document: actor lacks capability")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("document: invalid input")
	// ErrNotAllocated indicates submit was attempted with uncovered lines.
	ErrNotAllocated = errors.New("document: every line must be fully allocated")
	// ErrNoActor indicates the call context carries no authenticated actor.
	ErrNoActor = errors.New("document: no actor in context")
	// ErrSyncInFlight indicates cancellation was refused because the latest
	// sync attempt is unresolved; the remote outcome must settle first.
	ErrSyncInFlight = errors.New("document: sync attempt unresolved")
)
