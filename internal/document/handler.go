package document

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
	"github.com/atlas-wms/atlas-wms/internal/erpsync"
	"github.com/atlas-wms/atlas-wms/internal/ledger"
	"github.com/atlas-wms/atlas-wms/internal/platform/httpx"
	"github.com/atlas-wms/atlas-wms/internal/serial"
)

// Handler exposes the document API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers document routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Get("/{id}/approvals", h.approvals)
	r.Post("/{id}/lines", h.addLine)
	r.Put("/{id}/lines/{lineID}", h.updateLine)
	r.Delete("/{id}/lines/{lineID}", h.deleteLine)
	r.Post("/{id}/lines/{lineID}/allocate", h.allocateLine)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/post", h.post)
	r.Post("/{id}/reconcile", h.reconcile)
	r.Post("/{id}/clone", h.clone)
}

// MountQCRoutes registers the review queue routes.
func (h *Handler) MountQCRoutes(r chi.Router) {
	r.Get("/pending", h.qcQueue)
}

type createRequest struct {
	Type            string `json:"type" validate:"required,oneof=GRPO InventoryTransfer SerialTransfer"`
	Branch          string `json:"branch" validate:"required"`
	SourceWarehouse string `json:"source_warehouse"`
	DestWarehouse   string `json:"dest_warehouse" validate:"required"`
	Number          string `json:"number"`
}

type lineRequest struct {
	ItemID         string   `json:"item_id" validate:"required"`
	Qty            string   `json:"qty" validate:"required"`
	UoM            string   `json:"uom" validate:"required"`
	Lot            string   `json:"lot"`
	Serials        []string `json:"serials"`
	LotTracked     bool     `json:"lot_tracked"`
	SerialTracked  bool     `json:"serial_tracked"`
	DestinationBin string   `json:"destination_bin"`
	ExpiryDate     string   `json:"expiry_date"`
}

type transitionRequest struct {
	Version int64  `json:"version"`
	Notes   string `json:"notes"`
}

type documentResponse struct {
	ID              uuid.UUID      `json:"id"`
	Number          string         `json:"number"`
	Type            string         `json:"type"`
	Branch          string         `json:"branch"`
	SourceWarehouse string         `json:"source_warehouse,omitempty"`
	DestWarehouse   string         `json:"dest_warehouse"`
	State           string         `json:"state"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Version         int64          `json:"version"`
	ExternalRef     string         `json:"external_ref,omitempty"`
	Lines           []lineResponse `json:"lines,omitempty"`
}

type lineResponse struct {
	ID               uuid.UUID            `json:"id"`
	ItemID           string               `json:"item_id"`
	Qty              string               `json:"qty"`
	UoM              string               `json:"uom"`
	Lot              string               `json:"lot,omitempty"`
	Serials          []string             `json:"serials,omitempty"`
	LotTracked       bool                 `json:"lot_tracked"`
	SerialTracked    bool                 `json:"serial_tracked"`
	DestinationBin   string               `json:"destination_bin,omitempty"`
	AllocationStatus string               `json:"allocation_status"`
	Allocations      []allocationResponse `json:"allocations,omitempty"`
}

type allocationResponse struct {
	Warehouse   string `json:"warehouse,omitempty"`
	Bin         string `json:"bin"`
	LotOrSerial string `json:"lot_or_serial,omitempty"`
	Qty         string `json:"qty"`
	Inbound     bool   `json:"inbound,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	doc, err := h.service.Create(r.Context(), CreateInput{
		Type:            Type(req.Type),
		Branch:          req.Branch,
		SourceWarehouse: req.SourceWarehouse,
		DestWarehouse:   req.DestWarehouse,
		Number:          req.Number,
	})
	if err != nil {
		h.respondError(w, r, "create document", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDocumentResponse(doc, nil))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	doc, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDocumentResponse(doc, lines))
}

func (h *Handler) qcQueue(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.ListQCPending(r.Context())
	if err != nil {
		h.respondError(w, r, "list qc queue", err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentResponse(doc, nil))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	approvals, err := h.service.ListApprovals(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "list approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	in, ok := h.decodeLine(w, r)
	if !ok {
		return
	}
	line, err := h.service.AddLine(r.Context(), id, in)
	if err != nil {
		h.respondError(w, r, "add line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLineResponse(line))
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineID")
	if !ok {
		return
	}
	in, ok := h.decodeLine(w, r)
	if !ok {
		return
	}
	line, err := h.service.UpdateLine(r.Context(), id, lineID, in)
	if err != nil {
		h.respondError(w, r, "update line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLineResponse(line))
}

func (h *Handler) deleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineID")
	if !ok {
		return
	}
	if err := h.service.DeleteLine(r.Context(), id, lineID); err != nil {
		h.respondError(w, r, "delete line", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allocateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineID")
	if !ok {
		return
	}
	allocs, err := h.service.AllocateLine(r.Context(), id, lineID)
	if err != nil {
		h.respondError(w, r, "allocate line", err)
		return
	}
	out := make([]allocationResponse, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, toAllocationResponse(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": out})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "submit", func(id uuid.UUID, req transitionRequest) (Document, error) {
		return h.service.Submit(r.Context(), id, req.Version)
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve", func(id uuid.UUID, req transitionRequest) (Document, error) {
		return h.service.Approve(r.Context(), id, req.Version, req.Notes)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reject", func(id uuid.UUID, req transitionRequest) (Document, error) {
		return h.service.Reject(r.Context(), id, req.Version, req.Notes)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", func(id uuid.UUID, req transitionRequest) (Document, error) {
		return h.service.Cancel(r.Context(), id, req.Version)
	})
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	doc, outcome, err := h.service.Post(r.Context(), id, req.Version)
	if err != nil {
		h.respondError(w, r, "post document", err)
		return
	}
	status := http.StatusOK
	if outcome.Status == erpsync.StatusAmbiguous {
		// Parked; reconciliation resolves it asynchronously.
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, map[string]any{
		"document": toDocumentResponse(doc, nil),
		"outcome":  string(outcome.Status),
		"reason":   outcome.Reason,
	})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	doc, outcome, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "reconcile document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"document": toDocumentResponse(doc, nil),
		"outcome":  string(outcome.Status),
		"reason":   outcome.Reason,
	})
}

func (h *Handler) clone(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	doc, err := h.service.Clone(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "clone document", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDocumentResponse(doc, nil))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(uuid.UUID, transitionRequest) (Document, error)) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	doc, err := fn(id, req)
	if err != nil {
		h.respondError(w, r, action+" document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDocumentResponse(doc, nil))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decodeLine(w http.ResponseWriter, r *http.Request) (LineInput, bool) {
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return LineInput{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return LineInput{}, false
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "qty must be a decimal number")
		return LineInput{}, false
	}
	var expiry time.Time
	if req.ExpiryDate != "" {
		expiry, err = time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "expiry_date must be YYYY-MM-DD")
			return LineInput{}, false
		}
	}
	return LineInput{
		ItemID:         req.ItemID,
		Qty:            qty,
		UoM:            req.UoM,
		Lot:            req.Lot,
		Serials:        req.Serials,
		LotTracked:     req.LotTracked,
		SerialTracked:  req.SerialTracked,
		DestinationBin: req.DestinationBin,
		ExpiryDate:     expiry,
	}, true
}

// respondError maps domain errors onto problem responses. Allocation and
// validation failures carry enough context for a precise user message; only
// unclassified errors collapse to a 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var insufficient *ledger.InsufficientStockError
	switch {
	case errors.Is(err, ErrNoActor):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrSyncInFlight):
		httpx.Problem(w, http.StatusConflict, "Sync In Flight", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotAllocated),
		errors.Is(err, allocation.ErrInvalidRequest), errors.Is(err, allocation.ErrSerialCountMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, allocation.ErrLotMismatch):
		httpx.Problem(w, http.StatusConflict, "Lot Not Available", err.Error())
	case errors.Is(err, serial.ErrDuplicateSerial), errors.Is(err, serial.ErrUnknownSerial),
		errors.Is(err, serial.ErrWrongLocation), errors.Is(err, serial.ErrAlreadyReserved),
		errors.Is(err, serial.ErrUnavailable):
		httpx.Problem(w, http.StatusConflict, "Serial Unavailable", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toDocumentResponse(doc Document, lines []Line) documentResponse {
	out := documentResponse{
		ID:              doc.ID,
		Number:          doc.Number,
		Type:            string(doc.Type),
		Branch:          doc.Branch,
		SourceWarehouse: doc.SourceWarehouse,
		DestWarehouse:   doc.DestWarehouse,
		State:           string(doc.State),
		CreatedBy:       doc.CreatedBy,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		Version:         doc.Version,
		ExternalRef:     doc.ExternalRef,
	}
	for _, line := range lines {
		out.Lines = append(out.Lines, toLineResponse(line))
	}
	return out
}

func toLineResponse(line Line) lineResponse {
	out := lineResponse{
		ID:               line.ID,
		ItemID:           line.ItemID,
		Qty:              line.Qty.String(),
		UoM:              line.UoM,
		Lot:              line.Lot,
		Serials:          line.Serials,
		LotTracked:       line.LotTracked,
		SerialTracked:    line.SerialTracked,
		DestinationBin:   line.DestinationBin,
		AllocationStatus: string(line.AllocationStatus()),
	}
	for _, a := range line.Allocations {
		out.Allocations = append(out.Allocations, toAllocationResponse(a))
	}
	return out
}

func toAllocationResponse(a allocation.Allocation) allocationResponse {
	return allocationResponse{
		Warehouse:   a.Warehouse,
		Bin:         a.Bin,
		LotOrSerial: a.LotOrSerial,
		Qty:         a.Qty.String(),
		Inbound:     a.Inbound,
	}
}
