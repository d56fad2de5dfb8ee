package erpsync

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status classifies the outcome of one posting interaction with the ERP.
type Status string

const (
	// StatusAcked means the ERP accepted the document and returned a
	// reference.
	StatusAcked Status = "ACKED"
	// StatusFailed means the ERP definitively rejected the document.
	StatusFailed Status = "FAILED"
	// StatusAmbiguous means the ERP's actual state is unknown (timeout,
	// network failure, unrecognised response).
	StatusAmbiguous Status = "AMBIGUOUS"
)

// Outcome is what the gateway reports back to the document engine.
type Outcome struct {
	Status      Status
	ExternalRef string
	Reason      string
}

// AttemptOutcome is the persisted result of one wire attempt.
type AttemptOutcome string

const (
	// AttemptPending marks an attempt recorded before the wire call.
	AttemptPending AttemptOutcome = "PENDING"
	// AttemptAcked marks an acknowledged attempt.
	AttemptAcked AttemptOutcome = "ACKED"
	// AttemptFailed marks a definitively rejected attempt.
	AttemptFailed AttemptOutcome = "FAILED"
	// AttemptAmbiguous marks an attempt with unknown remote state.
	AttemptAmbiguous AttemptOutcome = "AMBIGUOUS"
)

// Attempt is one row of the append-only sync attempt log.
type Attempt struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	IdempotencyKey string
	PayloadHash    string
	Outcome        AttemptOutcome
	ExternalRef    string
	Reason         string
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// Open reports whether the attempt's remote outcome is still unresolved.
func (a Attempt) Open() bool {
	return a.Outcome == AttemptPending || a.Outcome == AttemptAmbiguous
}

// Snapshot is the committed-intent view of a document sent to the ERP.
type Snapshot struct {
	DocumentID      uuid.UUID
	Number          string
	Type            string
	Branch          string
	SourceWarehouse string
	DestWarehouse   string
	Version         int64
	Lines           []SnapshotLine
}

// SnapshotLine carries one line with its allocations.
type SnapshotLine struct {
	ItemID      string
	Qty         decimal.Decimal
	UoM         string
	Allocations []SnapshotAllocation
}

// SnapshotAllocation carries one bin/serial level movement.
type SnapshotAllocation struct {
	Warehouse   string
	Bin         string
	LotOrSerial string
	Qty         decimal.Decimal
}

// ErrNoAttempt indicates no sync attempt exists for the document.
var ErrNoAttempt = errors.New("erpsync: no attempt recorded")
