package document

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
	"github.com/atlas-wms/atlas-wms/internal/erpsync"
	"github.com/atlas-wms/atlas-wms/internal/ledger"
	"github.com/atlas-wms/atlas-wms/internal/platform/db"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// RepositoryPort is the persistence surface the service needs.
type RepositoryPort interface {
	Querier() db.Querier
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	GetDocument(ctx context.Context, id uuid.UUID) (Document, []Line, error)
	ListByState(ctx context.Context, state State, branch string) ([]Document, error)
	ListStalePending(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
	ListApprovals(ctx context.Context, documentID uuid.UUID) ([]Approval, error)
}

// EnginePort is the slice of the allocation engine the service needs.
type EnginePort interface {
	Allocate(ctx context.Context, q db.Querier, req allocation.Request) ([]allocation.Allocation, error)
	Release(ctx context.Context, q db.Querier, itemID string, allocs []allocation.Allocation, serialTracked bool) error
}

// LedgerPort commits and deposits stock when a document posts.
type LedgerPort interface {
	Commit(ctx context.Context, q db.Querier, key ledger.EntryKey, qty decimal.Decimal) error
	Deposit(ctx context.Context, q db.Querier, key ledger.EntryKey, qty decimal.Decimal, expiry time.Time) error
}

// SerialPort finalizes serial records when a document posts.
type SerialPort interface {
	CommitTransfer(ctx context.Context, q db.Querier, itemID string, serials []string, dstWarehouse, dstBin string) error
	RegisterInbound(ctx context.Context, q db.Querier, itemID string, serials []string, warehouse, bin string) error
}

// GatewayPort posts snapshots to the external ERP.
type GatewayPort interface {
	Post(ctx context.Context, q db.Querier, snap erpsync.Snapshot) (erpsync.Outcome, error)
	Reconcile(ctx context.Context, q db.Querier, snap erpsync.Snapshot) (erpsync.Outcome, error)
	OpenAttempt(ctx context.Context, q db.Querier, documentID uuid.UUID) (bool, error)
}

// ReconcileScheduler enqueues a background reconciliation for one document.
type ReconcileScheduler interface {
	EnqueueReconcile(ctx context.Context, documentID uuid.UUID) error
}

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the document lifecycle: drafting, allocation, QC
// review and posting. All state transitions flow through the transition
// table in statemachine.go.
type Service struct {
	repo    RepositoryPort
	engine  EnginePort
	ledger  LedgerPort
	serials SerialPort
	gateway GatewayPort
	jobs    ReconcileScheduler
	audit   AuditRecorder
	logger  *slog.Logger
}

// NewService constructs Service.
func NewService(repo RepositoryPort, engine EnginePort, ledgerPort LedgerPort, serialPort SerialPort, gateway GatewayPort, jobs ReconcileScheduler, audit AuditRecorder, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		engine:  engine,
		ledger:  ledgerPort,
		serials: serialPort,
		gateway: gateway,
		jobs:    jobs,
		audit:   audit,
		logger:  logger,
	}
}

// CreateInput describes a new draft document.
type CreateInput struct {
	Type            Type
	Branch          string
	SourceWarehouse string
	DestWarehouse   string
	Number          string
}

// LineInput describes one requested line.
type LineInput struct {
	ItemID         string
	Qty            decimal.Decimal
	UoM            string
	Lot            string
	Serials        []string
	LotTracked     bool
	SerialTracked  bool
	DestinationBin string
	ExpiryDate     time.Time
}

// Create opens a new draft.
func (s *Service) Create(ctx context.Context, in CreateInput) (Document, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Document{}, ErrNoActor
	}
	if err := validateCreate(in); err != nil {
		return Document{}, err
	}
	doc := Document{
		ID:              uuid.New(),
		Number:          in.Number,
		Type:            in.Type,
		Branch:          in.Branch,
		SourceWarehouse: in.SourceWarehouse,
		DestWarehouse:   in.DestWarehouse,
		State:           StateDraft,
		CreatedBy:       actor.ID,
		Version:         1,
	}
	if doc.Number == "" {
		doc.Number = generateNumber(in.Type)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertDocument(ctx, doc)
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, actor, "document.create", doc.ID, map[string]any{"type": string(doc.Type), "number": doc.Number})
	return s.reload(ctx, doc.ID)
}

// Get returns one document with its lines.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Document, []Line, error) {
	return s.repo.GetDocument(ctx, id)
}

// ListQCPending returns the QC review queue. Non-supervisor actors see only
// their own branch.
func (s *Service) ListQCPending(ctx context.Context) ([]Document, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return nil, ErrNoActor
	}
	branch := ""
	if actor.Role != shared.RoleSupervisor && actor.Role != shared.RoleSystem {
		branch = actor.Branch
	}
	return s.repo.ListByState(ctx, StateQCPending, branch)
}

// ListApprovals returns the QC decision trail for a document.
func (s *Service) ListApprovals(ctx context.Context, documentID uuid.UUID) ([]Approval, error) {
	return s.repo.ListApprovals(ctx, documentID)
}

// AddLine appends a line to a draft.
func (s *Service) AddLine(ctx context.Context, documentID uuid.UUID, in LineInput) (Line, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Line{}, ErrNoActor
	}
	if err := validateLine(in); err != nil {
		return Line{}, err
	}
	line := Line{
		ID:             uuid.New(),
		DocumentID:     documentID,
		ItemID:         in.ItemID,
		Qty:            in.Qty,
		UoM:            in.UoM,
		Lot:            in.Lot,
		Serials:        in.Serials,
		LotTracked:     in.LotTracked,
		SerialTracked:  in.SerialTracked,
		DestinationBin: in.DestinationBin,
		ExpiryDate:     in.ExpiryDate,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.State != StateDraft {
			return fmt.Errorf("%w: lines are editable only in %s", ErrInvalidTransition, StateDraft)
		}
		return tx.InsertLine(ctx, line)
	})
	if err != nil {
		return Line{}, err
	}
	s.recordAudit(ctx, actor, "document.line.add", documentID, map[string]any{"line_id": line.ID.String(), "item_id": line.ItemID})
	return line, nil
}

// UpdateLine rewrites a draft line. Prior allocations for the line are
// released: allocation is always recomputed from scratch, never patched.
func (s *Service) UpdateLine(ctx context.Context, documentID, lineID uuid.UUID, in LineInput) (Line, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Line{}, ErrNoActor
	}
	if err := validateLine(in); err != nil {
		return Line{}, err
	}
	var updated Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.State != StateDraft {
			return fmt.Errorf("%w: lines are editable only in %s", ErrInvalidTransition, StateDraft)
		}
		line, err := tx.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		if line.DocumentID != documentID {
			return ErrNotFound
		}
		if len(line.Allocations) > 0 {
			if err := s.engine.Release(ctx, tx.Querier(), line.ItemID, line.Allocations, line.SerialTracked); err != nil {
				return err
			}
			if err := tx.DeleteAllocations(ctx, lineID); err != nil {
				return err
			}
		}
		updated = Line{
			ID:             lineID,
			DocumentID:     documentID,
			ItemID:         in.ItemID,
			Qty:            in.Qty,
			UoM:            in.UoM,
			Lot:            in.Lot,
			Serials:        in.Serials,
			LotTracked:     in.LotTracked,
			SerialTracked:  in.SerialTracked,
			DestinationBin: in.DestinationBin,
			ExpiryDate:     in.ExpiryDate,
		}
		if err := tx.UpdateLine(ctx, updated); err != nil {
			return err
		}
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return Line{}, err
	}
	s.recordAudit(ctx, actor, "document.line.update", documentID, map[string]any{"line_id": lineID.String()})
	return updated, nil
}

// DeleteLine removes a draft line, releasing any holds it carried.
func (s *Service) DeleteLine(ctx context.Context, documentID, lineID uuid.UUID) error {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return ErrNoActor
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.State != StateDraft {
			return fmt.Errorf("%w: lines are editable only in %s", ErrInvalidTransition, StateDraft)
		}
		line, err := tx.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		if line.DocumentID != documentID {
			return ErrNotFound
		}
		if len(line.Allocations) > 0 {
			if err := s.engine.Release(ctx, tx.Querier(), line.ItemID, line.Allocations, line.SerialTracked); err != nil {
				return err
			}
		}
		return tx.DeleteLine(ctx, lineID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "document.line.delete", documentID, map[string]any{"line_id": lineID.String()})
	return nil
}

// AllocateLine computes and reserves allocations for one line. The document
// row lock plus the version bump serialize concurrent allocation calls
// against the same document.
func (s *Service) AllocateLine(ctx context.Context, documentID, lineID uuid.UUID) ([]allocation.Allocation, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return nil, ErrNoActor
	}
	var allocs []allocation.Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.State != StateDraft {
			return fmt.Errorf("%w: allocation is only valid in %s", ErrInvalidTransition, StateDraft)
		}
		line, err := tx.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		if line.DocumentID != documentID {
			return ErrNotFound
		}
		if len(line.Allocations) > 0 {
			if err := s.engine.Release(ctx, tx.Querier(), line.ItemID, line.Allocations, line.SerialTracked); err != nil {
				return err
			}
		}
		req := allocation.Request{
			LineID:          line.ID,
			ItemID:          line.ItemID,
			Qty:             line.Qty,
			SourceWarehouse: doc.SourceWarehouse,
			DestinationBin:  line.DestinationBin,
			Lot:             line.Lot,
			Serials:         line.Serials,
			LotTracked:      line.LotTracked,
			SerialTracked:   line.SerialTracked,
			Inbound:         doc.Type.Inbound(),
		}
		allocs, err = s.engine.Allocate(ctx, tx.Querier(), req)
		if err != nil {
			return err
		}
		if err := tx.ReplaceAllocations(ctx, documentID, lineID, allocs); err != nil {
			return err
		}
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "document.line.allocate", documentID, map[string]any{"line_id": lineID.String(), "allocations": len(allocs)})
	return allocs, nil
}

// Submit moves a fully allocated draft into review. Types that require QC
// land in the review queue; the rest route straight to posting intent.
func (s *Service) Submit(ctx context.Context, documentID uuid.UUID, expectedVersion int64) (Document, error) {
	return s.transition(ctx, documentID, expectedVersion, EventSubmit, "", func(ctx context.Context, tx TxRepository, doc *Document, lines []Line) error {
		if len(lines) == 0 {
			return fmt.Errorf("%w: document has no lines", ErrValidation)
		}
		for _, line := range lines {
			if line.AllocationStatus() != AllocationFull {
				return fmt.Errorf("%w: line %s is %s", ErrNotAllocated, line.ID, line.AllocationStatus())
			}
		}
		routed, err := Next(*doc, EventRoute)
		if err != nil {
			return err
		}
		doc.State = routed
		return nil
	})
}

// Approve records a QC approval.
func (s *Service) Approve(ctx context.Context, documentID uuid.UUID, expectedVersion int64, notes string) (Document, error) {
	return s.transition(ctx, documentID, expectedVersion, EventApprove, notes, nil)
}

// Reject records a QC rejection and releases every allocation the document
// held. Rejected documents are frozen; Clone starts over.
func (s *Service) Reject(ctx context.Context, documentID uuid.UUID, expectedVersion int64, notes string) (Document, error) {
	return s.transition(ctx, documentID, expectedVersion, EventReject, notes, func(ctx context.Context, tx TxRepository, doc *Document, lines []Line) error {
		return s.releaseAll(ctx, tx, lines)
	})
}

// Cancel abandons a document before posting, releasing every allocation.
// A document whose latest sync attempt is still open cannot be cancelled:
// the ERP may yet ack it, and a cancelled document with a committed remote
// posting would strand the attempt.
func (s *Service) Cancel(ctx context.Context, documentID uuid.UUID, expectedVersion int64) (Document, error) {
	return s.transition(ctx, documentID, expectedVersion, EventCancel, "", func(ctx context.Context, tx TxRepository, doc *Document, lines []Line) error {
		open, err := s.gateway.OpenAttempt(ctx, tx.Querier(), documentID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: document %s awaits reconciliation", ErrSyncInFlight, doc.Number)
		}
		return s.releaseAll(ctx, tx, lines)
	})
}

// Clone copies a rejected document's lines into a fresh draft with no
// allocations.
func (s *Service) Clone(ctx context.Context, documentID uuid.UUID) (Document, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Document{}, ErrNoActor
	}
	src, lines, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if src.State != StateQCRejected {
		return Document{}, fmt.Errorf("%w: only %s documents can be cloned", ErrInvalidTransition, StateQCRejected)
	}
	clone := Document{
		ID:              uuid.New(),
		Number:          generateNumber(src.Type),
		Type:            src.Type,
		Branch:          src.Branch,
		SourceWarehouse: src.SourceWarehouse,
		DestWarehouse:   src.DestWarehouse,
		State:           StateDraft,
		CreatedBy:       actor.ID,
		Version:         1,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertDocument(ctx, clone); err != nil {
			return err
		}
		for _, line := range lines {
			copied := line
			copied.ID = uuid.New()
			copied.DocumentID = clone.ID
			copied.Allocations = nil
			if err := tx.InsertLine(ctx, copied); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, actor, "document.clone", clone.ID, map[string]any{"source": documentID.String()})
	return s.reload(ctx, clone.ID)
}

// Post sends an approved document to the ERP and applies the outcome. The
// wire call runs outside the transaction; the resulting state change and
// ledger commit are applied atomically afterwards, keyed to the same
// document version so a concurrent writer cannot interleave.
func (s *Service) Post(ctx context.Context, documentID uuid.UUID, expectedVersion int64) (Document, erpsync.Outcome, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Document{}, erpsync.Outcome{}, ErrNoActor
	}
	if err := Guard(actor, EventPostAcked); err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	doc, lines, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	if doc.State != StateQCApproved {
		return Document{}, erpsync.Outcome{}, invalidTransition(doc.State, EventPostAcked)
	}
	if expectedVersion > 0 && doc.Version != expectedVersion {
		return Document{}, erpsync.Outcome{}, ErrConcurrentModification
	}

	outcome, err := s.gateway.Post(ctx, s.repo.Querier(), snapshot(doc, lines))
	if err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	final, err := s.applyOutcome(ctx, documentID, doc.Version, outcome)
	if err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	s.recordAudit(ctx, actor, "document.post", documentID, map[string]any{"outcome": string(outcome.Status), "external_ref": outcome.ExternalRef})
	return final, outcome, nil
}

// Reconcile resolves a parked document against the ERP using the stored
// idempotency key. Safe to call repeatedly; documents not parked are left
// untouched. Resolution can commit the ledger, so the caller needs the same
// capability as Post; the worker runs as the system actor.
func (s *Service) Reconcile(ctx context.Context, documentID uuid.UUID) (Document, erpsync.Outcome, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Document{}, erpsync.Outcome{}, ErrNoActor
	}
	if err := Guard(actor, EventPostAcked); err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	doc, lines, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	if doc.State != StatePostedPending {
		return doc, erpsync.Outcome{}, nil
	}
	outcome, err := s.gateway.Reconcile(ctx, s.repo.Querier(), snapshot(doc, lines))
	if err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	if outcome.Status == erpsync.StatusAmbiguous {
		// Still unresolved: stay parked, the next sweep retries.
		return doc, outcome, nil
	}
	final, err := s.applyOutcome(ctx, documentID, doc.Version, outcome)
	if err != nil {
		return Document{}, erpsync.Outcome{}, err
	}
	s.recordAudit(ctx, actor, "document.reconcile", documentID, map[string]any{"outcome": string(outcome.Status)})
	return final, outcome, nil
}

// StalePending lists documents parked longer than the given age.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	return s.repo.ListStalePending(ctx, olderThan)
}

// applyOutcome turns a gateway outcome into the matching state transition
// and ledger effect, in one transaction. The version condition makes it
// idempotent: a retry that lost the race sees the already-applied state.
func (s *Service) applyOutcome(ctx context.Context, documentID uuid.UUID, version int64, outcome erpsync.Outcome) (Document, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.State == StatePosted {
			// A concurrent reconcile already finished the job.
			return nil
		}
		if doc.State != StateQCApproved && doc.State != StatePostedPending {
			return invalidTransition(doc.State, EventPostAcked)
		}
		if doc.Version != version {
			return ErrConcurrentModification
		}
		lines, err := tx.ListLines(ctx, documentID)
		if err != nil {
			return err
		}
		switch outcome.Status {
		case erpsync.StatusAcked:
			next, err := Next(doc, EventPostAcked)
			if err != nil {
				return err
			}
			if err := s.commitLines(ctx, tx, doc, lines); err != nil {
				return err
			}
			doc.State = next
			doc.ExternalRef = outcome.ExternalRef
		case erpsync.StatusFailed:
			next, err := Next(doc, EventPostFailed)
			if err != nil {
				return err
			}
			if err := s.releaseAll(ctx, tx, lines); err != nil {
				return err
			}
			doc.State = next
		case erpsync.StatusAmbiguous:
			next, err := Next(doc, EventPostAmbiguous)
			if err != nil {
				return err
			}
			doc.State = next
		}
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return Document{}, err
	}
	if outcome.Status == erpsync.StatusAmbiguous && s.jobs != nil {
		if err := s.jobs.EnqueueReconcile(ctx, documentID); err != nil {
			s.logger.Warn("enqueue reconcile failed", slog.String("document_id", documentID.String()), slog.Any("error", err))
		}
	}
	return s.reload(ctx, documentID)
}

// commitLines applies the ledger and serial effects of a posted document.
// Inbound lines deposit at the destination; transfers deduct the reserved
// source rows and deposit at the destination bin.
func (s *Service) commitLines(ctx context.Context, tx TxRepository, doc Document, lines []Line) error {
	q := tx.Querier()
	for _, line := range lines {
		for _, a := range line.Allocations {
			if doc.Type.Inbound() {
				key := ledger.EntryKey{Warehouse: doc.DestWarehouse, Bin: a.Bin, ItemID: line.ItemID, LotOrSerial: a.LotOrSerial}
				if line.SerialTracked {
					if err := s.serials.RegisterInbound(ctx, q, line.ItemID, []string{a.LotOrSerial}, doc.DestWarehouse, a.Bin); err != nil {
						return err
					}
				}
				if err := s.ledger.Deposit(ctx, q, key, a.Qty, line.ExpiryDate); err != nil {
					return err
				}
				continue
			}
			srcKey := ledger.EntryKey{Warehouse: a.Warehouse, Bin: a.Bin, ItemID: line.ItemID, LotOrSerial: a.LotOrSerial}
			if err := s.ledger.Commit(ctx, q, srcKey, a.Qty); err != nil {
				return err
			}
			dstBin := line.DestinationBin
			if dstBin == "" {
				dstBin = defaultReceivingBin
			}
			dstKey := ledger.EntryKey{Warehouse: doc.DestWarehouse, Bin: dstBin, ItemID: line.ItemID, LotOrSerial: a.LotOrSerial}
			// The allocation carries the source row's expiry: a line filled
			// from several lots keeps each lot's own date at the destination.
			if err := s.ledger.Deposit(ctx, q, dstKey, a.Qty, a.ExpiryDate); err != nil {
				return err
			}
			if line.SerialTracked {
				if err := s.serials.CommitTransfer(ctx, q, line.ItemID, []string{a.LotOrSerial}, doc.DestWarehouse, dstBin); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

const defaultReceivingBin = "RECEIVING"

// releaseAll undoes every hold the document's lines carry and clears the
// allocation rows.
func (s *Service) releaseAll(ctx context.Context, tx TxRepository, lines []Line) error {
	for _, line := range lines {
		if len(line.Allocations) == 0 {
			continue
		}
		if err := s.engine.Release(ctx, tx.Querier(), line.ItemID, line.Allocations, line.SerialTracked); err != nil {
			return err
		}
		if err := tx.DeleteAllocations(ctx, line.ID); err != nil {
			return err
		}
	}
	return nil
}

// transition applies one table-driven event under the document row lock.
// The extra hook runs after the transition is validated but before the
// conditional write, so guard-side effects join the same transaction.
func (s *Service) transition(ctx context.Context, documentID uuid.UUID, expectedVersion int64, event Event, notes string, hook func(ctx context.Context, tx TxRepository, doc *Document, lines []Line) error) (Document, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Document{}, ErrNoActor
	}
	if err := Guard(actor, event); err != nil {
		return Document{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && doc.Version != expectedVersion {
			return ErrConcurrentModification
		}
		next, err := Next(doc, event)
		if err != nil {
			return err
		}
		doc.State = next
		lines, err := tx.ListLines(ctx, documentID)
		if err != nil {
			return err
		}
		if hook != nil {
			if err := hook(ctx, tx, &doc, lines); err != nil {
				return err
			}
		}
		if event == EventApprove || event == EventReject {
			approval := Approval{
				ID:         uuid.New(),
				DocumentID: documentID,
				Decision:   DecisionApproved,
				Reviewer:   actor.ID,
				Notes:      notes,
			}
			if event == EventReject {
				approval.Decision = DecisionRejected
			}
			if err := tx.InsertApproval(ctx, approval); err != nil {
				return err
			}
		}
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, actor, "document."+strings.ToLower(string(event)), documentID, nil)
	return s.reload(ctx, documentID)
}

func (s *Service) reload(ctx context.Context, id uuid.UUID) (Document, error) {
	doc, _, err := s.repo.GetDocument(ctx, id)
	return doc, err
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, documentID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "document",
		EntityID: documentID.String(),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func snapshot(doc Document, lines []Line) erpsync.Snapshot {
	snap := erpsync.Snapshot{
		DocumentID:      doc.ID,
		Number:          doc.Number,
		Type:            string(doc.Type),
		Branch:          doc.Branch,
		SourceWarehouse: doc.SourceWarehouse,
		DestWarehouse:   doc.DestWarehouse,
		Version:         doc.Version,
	}
	for _, line := range lines {
		sl := erpsync.SnapshotLine{ItemID: line.ItemID, Qty: line.Qty, UoM: line.UoM}
		for _, a := range line.Allocations {
			sl.Allocations = append(sl.Allocations, erpsync.SnapshotAllocation{
				Warehouse:   a.Warehouse,
				Bin:         a.Bin,
				LotOrSerial: a.LotOrSerial,
				Qty:         a.Qty,
			})
		}
		snap.Lines = append(snap.Lines, sl)
	}
	return snap
}

func validateCreate(in CreateInput) error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown document type %q", ErrValidation, in.Type)
	}
	if in.Branch == "" {
		return fmt.Errorf("%w: branch is required", ErrValidation)
	}
	if in.DestWarehouse == "" {
		return fmt.Errorf("%w: destination warehouse is required", ErrValidation)
	}
	if in.Type.Inbound() {
		if in.SourceWarehouse != "" {
			return fmt.Errorf("%w: receipts have no source warehouse", ErrValidation)
		}
		return nil
	}
	if in.SourceWarehouse == "" {
		return fmt.Errorf("%w: source warehouse is required", ErrValidation)
	}
	if in.SourceWarehouse == in.DestWarehouse {
		return fmt.Errorf("%w: source and destination must differ", ErrValidation)
	}
	return nil
}

func validateLine(in LineInput) error {
	if in.ItemID == "" {
		return fmt.Errorf("%w: item is required", ErrValidation)
	}
	if in.Qty.Sign() <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.SerialTracked && in.LotTracked {
		return fmt.Errorf("%w: a line is serial-tracked or lot-tracked, not both", ErrValidation)
	}
	if in.SerialTracked && len(in.Serials) == 0 {
		return fmt.Errorf("%w: serial-tracked lines require explicit serials", ErrValidation)
	}
	if !in.SerialTracked && len(in.Serials) > 0 {
		return fmt.Errorf("%w: serials given for a non-serial line", ErrValidation)
	}
	return nil
}

var numberPrefixes = map[Type]string{
	TypeGRPO:              "GRPO",
	TypeInventoryTransfer: "TRF",
	TypeSerialTransfer:    "STR",
}

func generateNumber(t Type) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%s-%s", numberPrefixes[t], time.Now().UTC().Format("20060102"), strings.ToUpper(suffix))
}
