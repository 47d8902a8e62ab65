package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
)

const stripeSecret = "whsec_stripe_test"

func stripeEvent(t *testing.T, id, typ string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func stripeSign(body []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func newStripeHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.rec.StripeWebhookSecret = stripeSecret
	return h
}

func TestStripeIntentSucceededConfirmsOnce(t *testing.T) {
	h := newStripeHarness(t)
	ctx := context.Background()
	o := h.checkout(t)

	body := stripeEvent(t, "evt_s1", StripeIntentSucceeded, map[string]any{
		"id": o.Provider.OrderID, "object": "payment_intent", "amount_received": o.TotalCents,
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, body, stripeSign(body, stripeSecret)))
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, body, stripeSign(body, stripeSecret)))

	got, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, o.Provider.OrderID, got.Provider.PaymentID)
	assert.Len(t, got.History, 2)
	assert.Equal(t, inventory.Stock{Stock: 3}, h.stock(t))
}

func TestStripeIntentFoundByMetadata(t *testing.T) {
	h := newStripeHarness(t)
	ctx := context.Background()
	o := h.checkout(t)

	// the checkout session's own intent is unknown to the store
	body := stripeEvent(t, "evt_s2", StripeIntentSucceeded, map[string]any{
		"id": "pi_from_session", "object": "payment_intent", "metadata": map[string]any{"order_id": o.ID},
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, body, stripeSign(body, stripeSecret)))

	got, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, "pi_from_session", got.Provider.PaymentID)
}

func TestStripeSessionCompleted(t *testing.T) {
	h := newStripeHarness(t)
	ctx := context.Background()
	o := h.checkout(t)

	unpaid := stripeEvent(t, "evt_s3", StripeSessionCompleted, map[string]any{
		"id": o.Provider.LinkID, "object": "checkout.session", "payment_status": "unpaid",
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, unpaid, stripeSign(unpaid, stripeSecret)))
	got, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, got.Status)

	paid := stripeEvent(t, "evt_s4", StripeSessionAsyncSucceeded, map[string]any{
		"id": o.Provider.LinkID, "object": "checkout.session", "payment_status": "paid",
		"client_reference_id": o.ID, "payment_intent": "pi_sess",
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, paid, stripeSign(paid, stripeSecret)))

	got, err = h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, "pi_sess", got.Provider.PaymentID)
}

func TestStripeSignatureRejected(t *testing.T) {
	h := newStripeHarness(t)
	ctx := context.Background()
	o := h.checkout(t)

	body := stripeEvent(t, "evt_s5", StripeIntentSucceeded, map[string]any{"id": o.Provider.OrderID, "object": "payment_intent"})
	assert.ErrorIs(t, h.rec.HandleStripeWebhook(ctx, body, stripeSign(body, "whsec_other")), ErrSignatureInvalid)
	assert.ErrorIs(t, h.rec.HandleStripeWebhook(ctx, body, ""), ErrSignatureInvalid)
	// the generic hex digest is not a Stripe header
	assert.ErrorIs(t, h.rec.HandleStripeWebhook(ctx, body, SignWebhook(stripeSecret, body)), ErrSignatureInvalid)

	got, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)

	// rejected deliveries leave the event id usable
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, body, stripeSign(body, stripeSecret)))
	got, err = h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
}

func TestStripeIntentFailedAndRefund(t *testing.T) {
	h := newStripeHarness(t)
	ctx := context.Background()
	o := h.checkout(t)

	failed := stripeEvent(t, "evt_s6", StripeIntentFailed, map[string]any{
		"id": o.Provider.OrderID, "object": "payment_intent",
		"last_payment_error": map[string]any{"message": "card declined"},
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, failed, stripeSign(failed, stripeSecret)))
	got, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentFailed, got.PaymentStatus)

	ok := stripeEvent(t, "evt_s7", StripeIntentSucceeded, map[string]any{"id": o.Provider.OrderID, "object": "payment_intent"})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, ok, stripeSign(ok, stripeSecret)))

	partial := stripeEvent(t, "evt_s8", StripeChargeRefunded, map[string]any{
		"id": "ch_1", "object": "charge", "payment_intent": o.Provider.OrderID, "refunded": false,
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, partial, stripeSign(partial, stripeSecret)))
	got, err = h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusConfirmed, got.Status)

	full := stripeEvent(t, "evt_s9", StripeChargeRefunded, map[string]any{
		"id": "ch_1", "object": "charge", "payment_intent": o.Provider.OrderID, "refunded": true,
		"refunds": map[string]any{"object": "list", "data": []any{map[string]any{"id": "re_1", "object": "refund"}}},
	})
	require.NoError(t, h.rec.HandleStripeWebhook(ctx, full, stripeSign(full, stripeSecret)))

	got, err = h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, got.Status)
	assert.Equal(t, orders.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, "re_1", got.Provider.RefundID)
}

func TestStripeUnhandledTypeIsAcknowledged(t *testing.T) {
	h := newStripeHarness(t)
	body := stripeEvent(t, "evt_s10", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	assert.NoError(t, h.rec.HandleStripeWebhook(context.Background(), body, stripeSign(body, stripeSecret)))
}
