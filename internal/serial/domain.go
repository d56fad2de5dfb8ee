package serial

import (
	"errors"
	"time"
)

// Status tracks one physical serialised unit through its lifecycle.
type Status string

const (
	// StatusInStock marks a unit available for allocation.
	StatusInStock Status = "IN_STOCK"
	// StatusReserved marks a unit held by an open allocation.
	StatusReserved Status = "RESERVED"
	// StatusShipped marks a unit that left the warehouse network.
	StatusShipped Status = "SHIPPED"
)

// Record is the single source of truth for a serialised unit's location.
// A serial value is unique per item.
type Record struct {
	Serial    string
	ItemID    string
	Warehouse string
	Bin       string
	Status    Status
	UpdatedAt time.Time
}

var (
	// ErrDuplicateSerial indicates a serial listed twice in one line, or an
	// inbound registration of a serial that already exists for the item.
	ErrDuplicateSerial = errors.New("serial: duplicate serial")
	// ErrUnknownSerial indicates no record exists for the item/serial pair.
	ErrUnknownSerial = errors.New("serial: unknown serial")
	// ErrWrongLocation indicates the unit is not at the requested source.
	ErrWrongLocation = errors.New("serial: wrong location")
	// ErrAlreadyReserved indicates another open allocation holds the unit.
	ErrAlreadyReserved = errors.New("serial: already reserved")
	// ErrUnavailable indicates the unit has already shipped.
	ErrUnavailable = errors.New("serial: unit no longer available")
)
