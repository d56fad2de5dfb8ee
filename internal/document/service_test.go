package document

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
	"github.com/atlas-wms/atlas-wms/internal/erpsync"
	"github.com/atlas-wms/atlas-wms/internal/ledger"
	"github.com/atlas-wms/atlas-wms/internal/platform/db"
	"github.com/atlas-wms/atlas-wms/internal/serial"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// The harness wires the real ledger, serial validator, allocation engine and
// sync gateway over in-memory stores, so lifecycle tests exercise the same
// paths production takes.

type memLedger struct {
	mu      sync.Mutex
	entries map[ledger.EntryKey]ledger.Entry
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[ledger.EntryKey]ledger.Entry)}
}

func (s *memLedger) GetForUpdate(ctx context.Context, _ db.Querier, key ledger.EntryKey) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (s *memLedger) Insert(ctx context.Context, _ db.Querier, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Version = 1
	s.entries[entry.Key] = entry
	return nil
}

func (s *memLedger) UpdateQuantities(ctx context.Context, _ db.Querier, key ledger.EntryKey, onHand, reserved decimal.Decimal, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Version != version {
		return ledger.ErrVersionConflict
	}
	e.OnHand = onHand
	e.Reserved = reserved
	e.Version++
	s.entries[key] = e
	return nil
}

func (s *memLedger) Candidates(ctx context.Context, _ db.Querier, warehouse, itemID, lot string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.Key.Warehouse == warehouse && e.Key.ItemID == itemID {
			if lot != "" && e.Key.LotOrSerial != lot {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memLedger) List(ctx context.Context, warehouse, itemID string) ([]ledger.Entry, error) {
	return s.Candidates(ctx, nil, warehouse, itemID, "")
}

func (s *memLedger) get(t *testing.T, key ledger.EntryKey) ledger.Entry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

type memSerials struct {
	mu   sync.Mutex
	recs map[string]serial.Record
}

func newMemSerials() *memSerials {
	return &memSerials{recs: make(map[string]serial.Record)}
}

func serialKey(itemID, s string) string { return itemID + "/" + s }

func (m *memSerials) GetForUpdate(ctx context.Context, _ db.Querier, itemID, s string) (serial.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[serialKey(itemID, s)]
	if !ok {
		return serial.Record{}, serial.ErrUnknownSerial
	}
	return rec, nil
}

func (m *memSerials) Insert(ctx context.Context, _ db.Querier, rec serial.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := serialKey(rec.ItemID, rec.Serial)
	if _, ok := m.recs[key]; ok {
		return serial.ErrDuplicateSerial
	}
	m.recs[key] = rec
	return nil
}

func (m *memSerials) UpdateStatus(ctx context.Context, _ db.Querier, itemID, s string, from, to serial.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := serialKey(itemID, s)
	rec, ok := m.recs[key]
	if !ok {
		return serial.ErrUnknownSerial
	}
	if rec.Status != from {
		return serial.ErrStatusConflict
	}
	rec.Status = to
	m.recs[key] = rec
	return nil
}

func (m *memSerials) UpdateLocation(ctx context.Context, _ db.Querier, itemID, s, warehouse, bin string, status serial.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := serialKey(itemID, s)
	rec, ok := m.recs[key]
	if !ok {
		return serial.ErrUnknownSerial
	}
	rec.Warehouse = warehouse
	rec.Bin = bin
	rec.Status = status
	m.recs[key] = rec
	return nil
}

func (m *memSerials) get(t *testing.T, itemID, s string) serial.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[serialKey(itemID, s)]
}

type memAttempts struct {
	mu       sync.Mutex
	attempts []erpsync.Attempt
}

func (s *memAttempts) Insert(ctx context.Context, _ db.Querier, attempt erpsync.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *memAttempts) Latest(ctx context.Context, _ db.Querier, documentID uuid.UUID) (erpsync.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].DocumentID == documentID {
			return s.attempts[i], nil
		}
	}
	return erpsync.Attempt{}, erpsync.ErrNoAttempt
}

func (s *memAttempts) MarkOutcome(ctx context.Context, _ db.Querier, attemptID uuid.UUID, outcome erpsync.AttemptOutcome, externalRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attempts {
		if s.attempts[i].ID == attemptID {
			s.attempts[i].Outcome = outcome
			s.attempts[i].ExternalRef = externalRef
			s.attempts[i].Reason = reason
			return nil
		}
	}
	return erpsync.ErrNoAttempt
}

func (s *memAttempts) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]erpsync.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []erpsync.Attempt
	for _, a := range s.attempts {
		if a.DocumentID == documentID {
			out = append(out, a)
		}
	}
	return out, nil
}

type stubERP struct {
	mu              sync.Mutex
	postResponses   []erpsync.PostResponse
	postErrs        []error
	posts           int
	lookupResponses []erpsync.LookupResponse
	lookups         int
}

func (c *stubERP) Post(ctx context.Context, req erpsync.PostRequest) (erpsync.PostResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.posts
	c.posts++
	if i < len(c.postErrs) && c.postErrs[i] != nil {
		return erpsync.PostResponse{}, c.postErrs[i]
	}
	if i < len(c.postResponses) {
		return c.postResponses[i], nil
	}
	return erpsync.PostResponse{}, errors.New("unscripted post")
}

func (c *stubERP) Lookup(ctx context.Context, key string) (erpsync.LookupResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.lookups
	c.lookups++
	if i < len(c.lookupResponses) {
		return c.lookupResponses[i], nil
	}
	return erpsync.LookupResponse{}, errors.New("unscripted lookup")
}

type memRepo struct {
	mu        sync.Mutex
	docs      map[uuid.UUID]Document
	lines     map[uuid.UUID]Line
	approvals []Approval
}

func newMemRepo() *memRepo {
	return &memRepo{docs: make(map[uuid.UUID]Document), lines: make(map[uuid.UUID]Line)}
}

func (r *memRepo) Querier() db.Querier { return nil }

func (r *memRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return fn(ctx, &memTx{r: r})
}

func (r *memRepo) GetDocument(ctx context.Context, id uuid.UUID) (Document, []Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return Document{}, nil, ErrNotFound
	}
	return doc, r.linesForLocked(id), nil
}

func (r *memRepo) ListByState(ctx context.Context, state State, branch string) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, doc := range r.docs {
		if doc.State == state && (branch == "" || doc.Branch == branch) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *memRepo) ListStalePending(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id, doc := range r.docs {
		if doc.State == StatePostedPending {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memRepo) ListApprovals(ctx context.Context, documentID uuid.UUID) ([]Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Approval
	for _, a := range r.approvals {
		if a.DocumentID == documentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) linesForLocked(documentID uuid.UUID) []Line {
	var out []Line
	for _, line := range r.lines {
		if line.DocumentID == documentID {
			out = append(out, line)
		}
	}
	return out
}

type memTx struct {
	r *memRepo
}

func (t *memTx) Querier() db.Querier { return nil }

func (t *memTx) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	doc, ok := t.r.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (t *memTx) InsertDocument(ctx context.Context, doc Document) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	doc.Version = 1
	doc.CreatedAt = time.Now().UTC()
	doc.UpdatedAt = doc.CreatedAt
	t.r.docs[doc.ID] = doc
	return nil
}

func (t *memTx) UpdateDocument(ctx context.Context, doc Document) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	stored, ok := t.r.docs[doc.ID]
	if !ok || stored.Version != doc.Version {
		return ErrConcurrentModification
	}
	stored.State = doc.State
	stored.ExternalRef = doc.ExternalRef
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	t.r.docs[doc.ID] = stored
	return nil
}

func (t *memTx) GetLine(ctx context.Context, lineID uuid.UUID) (Line, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	line, ok := t.r.lines[lineID]
	if !ok {
		return Line{}, ErrNotFound
	}
	return line, nil
}

func (t *memTx) ListLines(ctx context.Context, documentID uuid.UUID) ([]Line, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.r.linesForLocked(documentID), nil
}

func (t *memTx) InsertLine(ctx context.Context, line Line) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.r.lines[line.ID] = line
	return nil
}

func (t *memTx) UpdateLine(ctx context.Context, line Line) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if _, ok := t.r.lines[line.ID]; !ok {
		return ErrNotFound
	}
	t.r.lines[line.ID] = line
	return nil
}

func (t *memTx) DeleteLine(ctx context.Context, lineID uuid.UUID) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if _, ok := t.r.lines[lineID]; !ok {
		return ErrNotFound
	}
	delete(t.r.lines, lineID)
	return nil
}

func (t *memTx) ReplaceAllocations(ctx context.Context, documentID, lineID uuid.UUID, allocs []allocation.Allocation) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	line, ok := t.r.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	line.Allocations = allocs
	t.r.lines[lineID] = line
	return nil
}

func (t *memTx) DeleteAllocations(ctx context.Context, lineID uuid.UUID) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	line, ok := t.r.lines[lineID]
	if !ok {
		return nil
	}
	line.Allocations = nil
	t.r.lines[lineID] = line
	return nil
}

func (t *memTx) InsertApproval(ctx context.Context, approval Approval) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	approval.At = time.Now().UTC()
	t.r.approvals = append(t.r.approvals, approval)
	return nil
}

type jobRecorder struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (j *jobRecorder) EnqueueReconcile(ctx context.Context, documentID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enqueued = append(j.enqueued, documentID)
	return nil
}

type harness struct {
	repo     *memRepo
	stock    *memLedger
	serials  *memSerials
	erp      *stubERP
	attempts *memAttempts
	jobs     *jobRecorder
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemRepo(),
		stock:    newMemLedger(),
		serials:  newMemSerials(),
		erp:      &stubERP{},
		attempts: &memAttempts{},
		jobs:     &jobRecorder{},
	}
	logger := slog.New(slog.DiscardHandler)
	led := ledger.New(h.stock)
	validator := serial.NewValidator(h.serials)
	engine := allocation.NewEngine(led, validator)
	gateway := erpsync.NewGateway(h.erp, h.attempts, logger)
	h.svc = NewService(h.repo, engine, led, validator, gateway, h.jobs, nil, logger)
	return h
}

func (h *harness) seedStock(warehouse, bin, itemID, lot string, onHand int64) {
	key := ledger.EntryKey{Warehouse: warehouse, Bin: bin, ItemID: itemID, LotOrSerial: lot}
	h.stock.entries[key] = ledger.Entry{
		Key:        key,
		OnHand:     decimal.NewFromInt(onHand),
		Reserved:   decimal.Zero,
		ReceivedAt: time.Now().UTC(),
		Version:    1,
	}
}

func (h *harness) seedLot(warehouse, bin, itemID, lot string, onHand int64, expiry time.Time) {
	key := ledger.EntryKey{Warehouse: warehouse, Bin: bin, ItemID: itemID, LotOrSerial: lot}
	h.stock.entries[key] = ledger.Entry{
		Key:        key,
		OnHand:     decimal.NewFromInt(onHand),
		Reserved:   decimal.Zero,
		ExpiryDate: expiry,
		ReceivedAt: time.Now().UTC(),
		Version:    1,
	}
}

func (h *harness) seedSerial(itemID, s, warehouse, bin string) {
	h.serials.recs[serialKey(itemID, s)] = serial.Record{
		Serial: s, ItemID: itemID, Warehouse: warehouse, Bin: bin, Status: serial.StatusInStock,
	}
	h.seedStock(warehouse, bin, itemID, s, 1)
}

func operatorCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.NewActor("u-op", "Operator", shared.RoleOperator, "BR-1"))
}

func qcCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.NewActor("u-qc", "Reviewer", shared.RoleQC, "BR-1"))
}

func supervisorCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.NewActor("u-sup", "Supervisor", shared.RoleSupervisor, "BR-1"))
}

func systemCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.SystemActor())
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestCreateRequiresActor(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.ErrorIs(t, err, ErrNoActor)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	_, err := h.svc.Create(ctx, CreateInput{Type: "Unknown", Branch: "BR-1", DestWarehouse: "W"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W", SourceWarehouse: "A"})
	require.ErrorIs(t, err, ErrValidation, "receipts have no source")

	_, err = h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "A"})
	require.ErrorIs(t, err, ErrValidation, "source and destination must differ")
}

func TestGRPOHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.NoError(t, err)
	require.Equal(t, StateDraft, doc.State)
	require.Contains(t, doc.Number, "GRPO-")

	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "X", Qty: dec(10), UoM: "EA", DestinationBin: "B1"})
	require.NoError(t, err)

	allocs, err := h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.True(t, allocs[0].Inbound, "receipts allocate a destination only")
	require.Equal(t, "B1", allocs[0].Bin)
	require.Empty(t, h.stock.entries, "no source stock is touched before posting")

	doc, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateQCPending, doc.State, "GRPO routes through QC")

	doc, err = h.svc.Approve(qcCtx(), doc.ID, 0, "counted and checked")
	require.NoError(t, err)
	require.Equal(t, StateQCApproved, doc.State)

	h.erp.postResponses = []erpsync.PostResponse{{Status: "acked", ExternalRef: "ERP-1001"}}
	doc, outcome, err := h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, erpsync.StatusAcked, outcome.Status)
	require.Equal(t, StatePosted, doc.State)
	require.Equal(t, "ERP-1001", doc.ExternalRef)

	entry := h.stock.get(t, ledger.EntryKey{Warehouse: "W", Bin: "B1", ItemID: "X"})
	require.True(t, entry.OnHand.Equal(dec(10)), "on-hand should be 10, got %s", entry.OnHand)
	require.True(t, entry.Reserved.IsZero())

	approvals, err := h.svc.ListApprovals(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, DecisionApproved, approvals[0].Decision)
}

func TestTransferPostMovesStock(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)

	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)

	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.Equal(dec(20)))

	doc, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateQCApproved, doc.State, "plain transfers skip QC")

	h.erp.postResponses = []erpsync.PostResponse{{Status: "acked", ExternalRef: "ERP-2001"}}
	doc, _, err = h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatePosted, doc.State)

	src = h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.OnHand.Equal(dec(10)))
	require.True(t, src.Reserved.IsZero())
	dst := h.stock.get(t, ledger.EntryKey{Warehouse: "B", Bin: "RECEIVING", ItemID: "Y"})
	require.True(t, dst.OnHand.Equal(dec(20)))
}

func TestAllocateInsufficientStock(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 10)
	h.seedStock("A", "B2", "Y", "", 20)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(50), UoM: "EA"})
	require.NoError(t, err)

	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	var detail *ledger.InsufficientStockError
	require.ErrorAs(t, err, &detail)
	require.True(t, detail.Available.Equal(dec(30)))

	// Nothing reserved, line still unallocated.
	for _, e := range h.stock.entries {
		require.True(t, e.Reserved.IsZero())
	}
	_, lines, err := h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, AllocationNone, lines[0].AllocationStatus())
}

func TestSubmitRequiresFullAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.ErrorIs(t, err, ErrValidation, "empty documents cannot be submitted")

	_, err = h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "X", Qty: dec(5), UoM: "EA", DestinationBin: "B1"})
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.ErrorIs(t, err, ErrNotAllocated)

	doc, _, err = h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateDraft, doc.State, "failed submit leaves state unchanged")
}

func TestCancelRestoresReservations(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)

	doc, err = h.svc.Cancel(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, doc.State)

	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.IsZero(), "cancel returns every reservation")
	require.True(t, src.OnHand.Equal(dec(30)))

	_, lines, err := h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Empty(t, lines[0].Allocations)
}

func TestRejectReleasesSerials(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedSerial("Z", "SN-1", "A", "B1")
	h.seedSerial("Z", "SN-2", "A", "B1")

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeSerialTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{
		ItemID: "Z", Qty: dec(2), UoM: "EA", SerialTracked: true, Serials: []string{"SN-1", "SN-2"},
	})
	require.NoError(t, err)

	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	require.Equal(t, serial.StatusReserved, h.serials.get(t, "Z", "SN-1").Status)

	doc, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateQCPending, doc.State)

	doc, err = h.svc.Reject(qcCtx(), doc.ID, 0, "labels unreadable")
	require.NoError(t, err)
	require.Equal(t, StateQCRejected, doc.State)

	require.Equal(t, serial.StatusInStock, h.serials.get(t, "Z", "SN-1").Status)
	require.Equal(t, serial.StatusInStock, h.serials.get(t, "Z", "SN-2").Status)
	entry := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Z", LotOrSerial: "SN-1"})
	require.True(t, entry.Reserved.IsZero())
}

func TestSerialTransferPostMovesUnits(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedSerial("Z", "SN-1", "A", "B1")

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeSerialTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{
		ItemID: "Z", Qty: dec(1), UoM: "EA", SerialTracked: true, Serials: []string{"SN-1"}, DestinationBin: "D1",
	})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)

	doc, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)
	doc, err = h.svc.Approve(qcCtx(), doc.ID, 0, "")
	require.NoError(t, err)

	h.erp.postResponses = []erpsync.PostResponse{{Status: "acked", ExternalRef: "ERP-3001"}}
	doc, _, err = h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatePosted, doc.State)

	rec := h.serials.get(t, "Z", "SN-1")
	require.Equal(t, "B", rec.Warehouse)
	require.Equal(t, "D1", rec.Bin)
	require.Equal(t, serial.StatusInStock, rec.Status)

	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Z", LotOrSerial: "SN-1"})
	require.True(t, src.OnHand.IsZero())
	dst := h.stock.get(t, ledger.EntryKey{Warehouse: "B", Bin: "D1", ItemID: "Z", LotOrSerial: "SN-1"})
	require.True(t, dst.OnHand.Equal(dec(1)))
}

func TestPostRejectedReleasesAndParks(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)

	h.erp.postResponses = []erpsync.PostResponse{{Status: "rejected", Reason: "missing cost center"}}
	doc, outcome, err := h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, erpsync.StatusFailed, outcome.Status)
	require.Equal(t, "missing cost center", outcome.Reason)
	require.Equal(t, StateQCRejected, doc.State, "definitive rejection parks for operator intervention")

	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.IsZero(), "rejection releases the holds")
	require.True(t, src.OnHand.Equal(dec(30)), "no deduction on rejection")
}

func TestAmbiguousPostThenReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)

	h.erp.postErrs = []error{errors.New("context deadline exceeded")}
	doc, outcome, err := h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, erpsync.StatusAmbiguous, outcome.Status)
	require.Equal(t, StatePostedPending, doc.State)
	require.Equal(t, []uuid.UUID{doc.ID}, h.jobs.enqueued, "a reconciliation job is scheduled")

	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.Equal(dec(20)), "holds stay until the outcome is known")
	require.True(t, src.OnHand.Equal(dec(30)), "nothing committed while ambiguous")

	// Reconciliation later confirms the ERP received the posting.
	h.erp.lookupResponses = []erpsync.LookupResponse{{Found: true, Status: "acked", ExternalRef: "ERP-1002"}}
	doc, outcome, err = h.svc.Reconcile(systemCtx(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, erpsync.StatusAcked, outcome.Status)
	require.Equal(t, StatePosted, doc.State)
	require.Equal(t, "ERP-1002", doc.ExternalRef)

	src = h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.OnHand.Equal(dec(10)), "commit applied exactly once")
	require.True(t, src.Reserved.IsZero())
	require.Equal(t, 1, h.erp.posts, "no second posting reached the ERP")

	// A repeated reconcile is a no-op.
	doc, _, err = h.svc.Reconcile(systemCtx(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePosted, doc.State)
	require.Equal(t, 1, h.erp.lookups)
	src = h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.OnHand.Equal(dec(10)))
}

func TestReconcileRequiresPoster(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)

	h.erp.postErrs = []error{errors.New("context deadline exceeded")}
	doc, _, err = h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatePostedPending, doc.State)

	h.erp.lookupResponses = []erpsync.LookupResponse{{Found: true, Status: "acked", ExternalRef: "ERP-4001"}}

	_, _, err = h.svc.Reconcile(context.Background(), doc.ID)
	require.ErrorIs(t, err, ErrNoActor, "anonymous callers cannot resolve a parked document")

	_, _, err = h.svc.Reconcile(ctx, doc.ID)
	require.ErrorIs(t, err, ErrForbidden, "resolution commits the ledger, so it needs the posting capability")

	doc, _, err = h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePostedPending, doc.State)
	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.OnHand.Equal(dec(30)), "nothing committed by the refused calls")
	require.True(t, src.Reserved.Equal(dec(20)))

	doc, _, err = h.svc.Reconcile(systemCtx(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatePosted, doc.State)
}

func TestCancelBlockedByOpenSyncAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	doc, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateQCApproved, doc.State)

	// A wire call is in flight: its pending attempt row is already visible.
	attemptID := uuid.New()
	require.NoError(t, h.attempts.Insert(context.Background(), nil, erpsync.Attempt{
		ID:             attemptID,
		DocumentID:     doc.ID,
		IdempotencyKey: erpsync.IdempotencyKey(doc.ID, doc.Version),
		Outcome:        erpsync.AttemptPending,
	}))

	_, err = h.svc.Cancel(ctx, doc.ID, 0)
	require.ErrorIs(t, err, ErrSyncInFlight, "the ERP may yet ack; cancelling now could strand a committed posting")

	doc, _, err = h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateQCApproved, doc.State)
	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.Equal(dec(20)), "holds survive the refused cancel")

	// Once the attempt resolves, cancel goes through.
	require.NoError(t, h.attempts.MarkOutcome(context.Background(), nil, attemptID, erpsync.AttemptFailed, "", "connector restarted"))
	doc, err = h.svc.Cancel(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, doc.State)
	src = h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.IsZero())
}

func TestTransferCarriesLotExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	early := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	late := time.Date(2027, 2, 20, 0, 0, 0, 0, time.UTC)
	h.seedLot("A", "B1", "R", "LOT-1", 10, early)
	h.seedLot("A", "B2", "R", "LOT-2", 10, late)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "R", Qty: dec(15), UoM: "EA", LotTracked: true})
	require.NoError(t, err)

	allocs, err := h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2, "first-expiring lot drains before the next is touched")
	require.Equal(t, "LOT-1", allocs[0].LotOrSerial)
	require.True(t, allocs[0].Qty.Equal(dec(10)))
	require.True(t, allocs[0].ExpiryDate.Equal(early))
	require.Equal(t, "LOT-2", allocs[1].LotOrSerial)
	require.True(t, allocs[1].Qty.Equal(dec(5)))
	require.True(t, allocs[1].ExpiryDate.Equal(late))

	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)
	h.erp.postResponses = []erpsync.PostResponse{{Status: "acked", ExternalRef: "ERP-5001"}}
	doc, _, err = h.svc.Post(supervisorCtx(), doc.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatePosted, doc.State)

	// Each lot lands at the destination with its own expiry, so FEFO keeps
	// ranking it correctly there.
	dst1 := h.stock.get(t, ledger.EntryKey{Warehouse: "B", Bin: "RECEIVING", ItemID: "R", LotOrSerial: "LOT-1"})
	require.True(t, dst1.OnHand.Equal(dec(10)))
	require.True(t, dst1.ExpiryDate.Equal(early))
	dst2 := h.stock.get(t, ledger.EntryKey{Warehouse: "B", Bin: "RECEIVING", ItemID: "R", LotOrSerial: "LOT-2"})
	require.True(t, dst2.OnHand.Equal(dec(5)))
	require.True(t, dst2.ExpiryDate.Equal(late))
}

func TestConcurrentModificationOnStaleVersion(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "X", Qty: dec(5), UoM: "EA", DestinationBin: "B1"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, doc.ID, 99)
	require.ErrorIs(t, err, ErrConcurrentModification)

	// Retrying with the current version succeeds.
	doc, _, err = h.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, doc.ID, doc.Version)
	require.NoError(t, err)
}

func TestTransitionGuards(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, doc.ID, 0, "")
	require.ErrorIs(t, err, ErrForbidden, "operators cannot approve")

	_, _, err = h.svc.Post(ctx, doc.ID, 0)
	require.ErrorIs(t, err, ErrForbidden, "operators cannot post")

	_, err = h.svc.Approve(qcCtx(), doc.ID, 0, "")
	require.ErrorIs(t, err, ErrInvalidTransition, "drafts are not reviewable")
}

func TestLineEditsOnlyInDraft(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "X", Qty: dec(5), UoM: "EA", DestinationBin: "B1"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)

	_, err = h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "X2", Qty: dec(1), UoM: "EA", DestinationBin: "B1"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.svc.UpdateLine(ctx, doc.ID, line.ID, LineInput{ItemID: "X", Qty: dec(9), UoM: "EA", DestinationBin: "B1"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateLineReallocatesFromScratch(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedStock("A", "B1", "Y", "", 30)

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeInventoryTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{ItemID: "Y", Qty: dec(20), UoM: "EA"})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)

	// Shrinking the line releases the old hold; reallocation reserves the
	// new quantity only.
	_, err = h.svc.UpdateLine(ctx, doc.ID, line.ID, LineInput{ItemID: "Y", Qty: dec(5), UoM: "EA"})
	require.NoError(t, err)
	src := h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.IsZero(), "edit releases prior allocations")

	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	src = h.stock.get(t, ledger.EntryKey{Warehouse: "A", Bin: "B1", ItemID: "Y"})
	require.True(t, src.Reserved.Equal(dec(5)))
}

func TestCloneRejectedDocument(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()
	h.seedSerial("Z", "SN-1", "A", "B1")

	doc, err := h.svc.Create(ctx, CreateInput{Type: TypeSerialTransfer, Branch: "BR-1", SourceWarehouse: "A", DestWarehouse: "B"})
	require.NoError(t, err)
	line, err := h.svc.AddLine(ctx, doc.ID, LineInput{
		ItemID: "Z", Qty: dec(1), UoM: "EA", SerialTracked: true, Serials: []string{"SN-1"},
	})
	require.NoError(t, err)
	_, err = h.svc.AllocateLine(ctx, doc.ID, line.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, doc.ID, 0)
	require.NoError(t, err)

	_, err = h.svc.Clone(ctx, doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition, "only rejected documents can be cloned")

	_, err = h.svc.Reject(qcCtx(), doc.ID, 0, "wrong serials")
	require.NoError(t, err)

	clone, err := h.svc.Clone(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StateDraft, clone.State)
	require.NotEqual(t, doc.ID, clone.ID)
	require.NotEqual(t, doc.Number, clone.Number)

	_, lines, err := h.svc.Get(ctx, clone.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Empty(t, lines[0].Allocations, "clones start unallocated")
}

func TestQCQueueFiltersByBranch(t *testing.T) {
	h := newHarness(t)
	ctx := operatorCtx()

	mine, err := h.svc.Create(ctx, CreateInput{Type: TypeGRPO, Branch: "BR-1", DestWarehouse: "W"})
	require.NoError(t, err)
	otherCtx := shared.ContextWithActor(context.Background(), shared.NewActor("u-x", "Other", shared.RoleOperator, "BR-2"))
	other, err := h.svc.Create(otherCtx, CreateInput{Type: TypeGRPO, Branch: "BR-2", DestWarehouse: "W"})
	require.NoError(t, err)

	for _, d := range []Document{mine, other} {
		actorCtx := ctx
		if d.Branch == "BR-2" {
			actorCtx = otherCtx
		}
		line, err := h.svc.AddLine(actorCtx, d.ID, LineInput{ItemID: "X", Qty: dec(1), UoM: "EA", DestinationBin: "B1"})
		require.NoError(t, err)
		_, err = h.svc.AllocateLine(actorCtx, d.ID, line.ID)
		require.NoError(t, err)
		_, err = h.svc.Submit(actorCtx, d.ID, 0)
		require.NoError(t, err)
	}

	queue, err := h.svc.ListQCPending(qcCtx())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, mine.ID, queue[0].ID)

	queue, err = h.svc.ListQCPending(supervisorCtx())
	require.NoError(t, err)
	require.Len(t, queue, 2, "supervisors see every branch")
}
