package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-wms/atlas-wms/internal/platform/httpx"
)

// Handler exposes read-only stock availability.
type Handler struct {
	logger *slog.Logger
	ledger *Ledger
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	return &Handler{logger: logger, ledger: ledger}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.availability)
}

type availabilityRow struct {
	Warehouse   string `json:"warehouse"`
	Bin         string `json:"bin"`
	ItemID      string `json:"item_id"`
	LotOrSerial string `json:"lot_or_serial,omitempty"`
	OnHand      string `json:"on_hand"`
	Reserved    string `json:"reserved"`
	Available   string `json:"available"`
	ExpiryDate  string `json:"expiry_date,omitempty"`
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	warehouse := r.URL.Query().Get("warehouse")
	itemID := r.URL.Query().Get("item")
	if warehouse == "" || itemID == "" {
		httpx.Problem(w, http.StatusUnprocessableEntity, "validation failed", "warehouse and item query parameters are required")
		return
	}

	entries, err := h.ledger.Availability(r.Context(), warehouse, itemID)
	if err != nil {
		h.logger.Error("stock availability", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	rows := make([]availabilityRow, 0, len(entries))
	for _, e := range entries {
		row := availabilityRow{
			Warehouse:   e.Key.Warehouse,
			Bin:         e.Key.Bin,
			ItemID:      e.Key.ItemID,
			LotOrSerial: e.Key.LotOrSerial,
			OnHand:      e.OnHand.String(),
			Reserved:    e.Reserved.String(),
			Available:   e.Available().String(),
		}
		if !e.ExpiryDate.IsZero() {
			row.ExpiryDate = e.ExpiryDate.Format(time.DateOnly)
		}
		rows = append(rows, row)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": rows})
}
