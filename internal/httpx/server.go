package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/dispatch"
	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrNotFound),
		errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, dispatch.ErrAgentNotFound),
		errors.Is(err, dispatch.ErrNoOffer):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidRequest),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrProductInactive),
		errors.Is(err, payments.ErrBadEvent):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, inventory.ErrInsufficientStock),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrAlreadyAssigned),
		errors.Is(err, dispatch.ErrOfferClosed),
		errors.Is(err, dispatch.ErrAgentUnavailable):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var short *inventory.ShortageError
	if errors.As(err, &short) {
		body["shortages"] = short.Details
	}
	writeJSON(w, statusFor(err), body)
}
