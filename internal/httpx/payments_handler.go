package httpx

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/payments"
	"github.com/go-chi/chi/v5"
)

const HeaderSignature = "X-Payment-Signature"

type PaymentsHandler struct {
	Payments *payments.Reconciler
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments/webhook", h.webhook)
	r.Post("/payments/stripe/webhook", h.stripeWebhook)
	r.Get("/payments/callback", h.callback)
}

// webhook needs the raw body: the signature covers the exact bytes.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.Payments.HandleWebhook(ctx, body, r.Header.Get(HeaderSignature)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PaymentsHandler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.Payments.HandleStripeWebhook(ctx, body, r.Header.Get(payments.HeaderStripeSignature)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Payments.HandleCallback(ctx, payments.CallbackParams{
		PaymentID: q.Get("payment_id"),
		OrderID:   q.Get("order_id"),
		LinkID:    q.Get("link_id"),
		Signature: q.Get("signature"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       o.ID,
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
	})
}
