package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/dispatch"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/go-chi/chi/v5"
)

type DispatchHandler struct {
	Matcher *dispatch.Matcher
	Agents  dispatch.Directory
}

type respondReq struct {
	AgentID string `json:"agent_id"`
	Accept  bool   `json:"accept"`
}

type onlineReq struct {
	Online bool `json:"online"`
}

func (h *DispatchHandler) Register(r chi.Router) {
	r.Post("/dispatch/{orderID}/respond", h.respond)
	r.Post("/agents", h.upsertAgent)
	r.Get("/agents/{id}", h.getAgent)
	r.Post("/agents/{id}/location", h.location)
	r.Post("/agents/{id}/online", h.online)
}

func (h *DispatchHandler) respond(w http.ResponseWriter, r *http.Request) {
	var req respondReq
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Matcher.Respond(ctx, chi.URLParam(r, "orderID"), req.AgentID, req.Accept)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":            o.ID,
		"status":              o.Status,
		"delivery_partner_id": o.PartnerID,
	})
}

func (h *DispatchHandler) upsertAgent(w http.ResponseWriter, r *http.Request) {
	var a dispatch.Agent
	if err := decodeJSON(r, &a); err != nil || a.ID == "" || a.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and name required"})
		return
	}
	if a.Status == "" {
		a.Status = dispatch.AgentAvailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Agents.Upsert(ctx, a); err != nil {
		writeError(w, err)
		return
	}
	h.writeAgent(ctx, w, a.ID)
}

func (h *DispatchHandler) getAgent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	h.writeAgent(ctx, w, chi.URLParam(r, "id"))
}

func (h *DispatchHandler) writeAgent(ctx context.Context, w http.ResponseWriter, id string) {
	a, err := h.Agents.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *DispatchHandler) location(w http.ResponseWriter, r *http.Request) {
	var at orders.GeoPoint
	if err := decodeJSON(r, &at); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if at.Lat < -90 || at.Lat > 90 || at.Lon < -180 || at.Lon > 180 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "coordinates out of range"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if err := h.Agents.UpdateLocation(ctx, id, at); err != nil {
		writeError(w, err)
		return
	}
	h.writeAgent(ctx, w, id)
}

func (h *DispatchHandler) online(w http.ResponseWriter, r *http.Request) {
	var req onlineReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if err := h.Agents.SetOnline(ctx, id, req.Online); err != nil {
		writeError(w, err)
		return
	}
	h.writeAgent(ctx, w, id)
}
