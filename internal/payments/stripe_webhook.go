package payments

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

const HeaderStripeSignature = "Stripe-Signature"

const (
	StripeIntentSucceeded       = "payment_intent.succeeded"
	StripeIntentFailed          = "payment_intent.payment_failed"
	StripeSessionCompleted      = "checkout.session.completed"
	StripeSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
	StripeChargeRefunded        = "charge.refunded"
)

// ParseStripeEvent verifies a Stripe delivery against the endpoint secret
// and maps it onto the provider-neutral event variants. The PaymentIntent id
// doubles as the payment id, which is what StripeGateway.Refund expects.
func ParseStripeEvent(body []byte, signatureHeader, secret string) (id, typ string, ev Event, err error) {
	if secret == "" || signatureHeader == "" {
		return "", "", nil, ErrSignatureInvalid
	}
	se, err := webhook.ConstructEventWithOptions(body, signatureHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	id, typ = se.ID, string(se.Type)
	if se.Data == nil {
		return id, typ, nil, fmt.Errorf("%w: %s has no data", ErrBadEvent, typ)
	}

	switch typ {
	case StripeIntentSucceeded, StripeIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil || pi.ID == "" {
			return id, typ, nil, fmt.Errorf("%w: %s needs a payment intent", ErrBadEvent, typ)
		}
		ref := pi.Metadata["order_id"]
		if typ == StripeIntentSucceeded {
			return id, typ, CapturedEvent{
				ProviderOrderID: pi.ID,
				PaymentID:       pi.ID,
				AmountCents:     int(pi.AmountReceived),
				ReferenceID:     ref,
			}, nil
		}
		reason := string(pi.CancellationReason)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return id, typ, FailedEvent{ProviderOrderID: pi.ID, PaymentID: pi.ID, Reason: reason, ReferenceID: ref}, nil

	case StripeSessionCompleted, StripeSessionAsyncSucceeded:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &sess); err != nil || sess.ID == "" {
			return id, typ, nil, fmt.Errorf("%w: %s needs a checkout session", ErrBadEvent, typ)
		}
		// delayed methods complete unpaid and follow up with async_payment_succeeded
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return id, typ, nil, fmt.Errorf("%w: %s unpaid", ErrUnknownEvent, typ)
		}
		ev := LinkPaidEvent{LinkID: sess.ID, ReferenceID: sess.ClientReferenceID}
		if sess.PaymentIntent != nil {
			ev.PaymentID = sess.PaymentIntent.ID
		}
		return id, typ, ev, nil

	case StripeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(se.Data.Raw, &ch); err != nil || ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return id, typ, nil, fmt.Errorf("%w: %s needs a payment intent", ErrBadEvent, typ)
		}
		// partial refunds do not settle the order
		if !ch.Refunded {
			return id, typ, nil, fmt.Errorf("%w: %s partial", ErrUnknownEvent, typ)
		}
		ev := RefundProcessedEvent{PaymentID: ch.PaymentIntent.ID, AmountCents: int(ch.AmountRefunded)}
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			ev.RefundID = ch.Refunds.Data[0].ID
		}
		return id, typ, ev, nil
	}
	return id, typ, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, typ)
}
