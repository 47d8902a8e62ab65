package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine/internal/payments"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	Orders   *orders.Service
	Payments *payments.Reconciler
	Jobs     orders.JobQueue
}

type CheckoutResp struct {
	OrderID        string               `json:"order_id"`
	Status         orders.Status        `json:"status"`
	PaymentStatus  orders.PaymentStatus `json:"payment_status"`
	TotalCents     int                  `json:"total_cents"`
	PaymentLinkURL string               `json:"payment_link_url,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	Idempotent     bool                 `json:"idempotent"`
}

type cancelReq struct {
	Actor  orders.Actor `json:"actor"`
	Reason string       `json:"reason"`
}

type statusReq struct {
	Status orders.Status `json:"status"`
	Actor  orders.Actor  `json:"actor"`
	Note   string        `json:"note"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/status", h.updateStatus)
	r.Post("/orders/{id}/payment/retry", h.retryPayment)
	r.Post("/orders/{id}/dispatch", h.redispatch)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req orders.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, existed, err := h.Orders.Create(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CheckoutResp{
		OrderID:        o.ID,
		Status:         o.Status,
		PaymentStatus:  o.PaymentStatus,
		TotalCents:     o.TotalCents,
		PaymentLinkURL: o.Provider.LinkURL,
		ExpiresAt:      o.ExpiresAt,
		Idempotent:     existed,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Actor == "" {
		req.Actor = orders.ActorCustomer
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing status"})
		return
	}
	if req.Actor == "" {
		req.Actor = orders.ActorAdmin
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.UpdateStatus(ctx, chi.URLParam(r, "id"), req.Status, req.Actor, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Payments.Retry(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// redispatch queues another broadcast round; agents that already rejected
// the order are skipped.
func (h *OrdersHandler) redispatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	o, err := h.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if o.PartnerID != "" {
		writeJSON(w, http.StatusOK, map[string]string{"order_id": id, "delivery_partner_id": o.PartnerID})
		return
	}
	if o.Status == orders.StatusPending || o.Status.Terminal() {
		writeError(w, orders.ErrInvalidTransition)
		return
	}
	if err := h.Jobs.ScheduleDispatch(ctx, id, 0); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id})
}
