package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	"github.com/go-chi/chi/v5"
)

type InventoryHandler struct {
	Ledger inventory.Ledger
}

type restockReq struct {
	Qty int `json:"qty"`
}

func (h *InventoryHandler) Register(r chi.Router) {
	r.Get("/products/{id}", h.getProduct)
	r.Post("/products/{id}/restock", h.restock)
}

func (h *InventoryHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Ledger.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *InventoryHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if err := h.Ledger.Restock(ctx, id, req.Qty); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.Ledger.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
