// Package payments reconciles provider signals (webhook, redirect callback,
// admin retry) into order payment state. Every signal is verified before it
// is applied, and a settled payment ignores later success signals.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
)

const (
	SourceWebhook  = "webhook"
	SourceCallback = "callback"
	SourceRetry    = "retry"
	SourceStripe   = "stripe"
)

// Deduper claims an id once. Satisfied by redisx.Deduper.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// MemDeduper is the in-process Deduper.
type MemDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *MemDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *MemDeduper) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type Reconciler struct {
	Orders        *orders.Service
	Gateway       Gateway
	Dedup         Deduper
	WebhookSecret string
	KeySecret     string
	// StripeWebhookSecret is the endpoint secret for Stripe-signed events.
	StripeWebhookSecret string
}

// Open creates the provider order and payment link for a prepaid checkout.
func (r *Reconciler) Open(ctx context.Context, o *orders.Order) (orders.ProviderRefs, error) {
	return r.Gateway.CreateOrder(ctx, o)
}

// HandleWebhook verifies and applies one webhook delivery. Unknown events
// are acknowledged and ignored; a bad signature mutates nothing.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if err := VerifyWebhook(r.WebhookSecret, body, signature); err != nil {
		metrics.PaymentEvents.WithLabelValues(SourceWebhook, "bad_signature").Inc()
		log.Printf("payments: webhook discarded: %v", err)
		return err
	}
	env, ev, err := ParseEvent(body)
	return r.deliver(ctx, SourceWebhook, env.ID, env.Event, ev, err)
}

// HandleStripeWebhook is HandleWebhook for Stripe's own event format.
func (r *Reconciler) HandleStripeWebhook(ctx context.Context, body []byte, signatureHeader string) error {
	id, typ, ev, err := ParseStripeEvent(body, signatureHeader, r.StripeWebhookSecret)
	if errors.Is(err, ErrSignatureInvalid) {
		metrics.PaymentEvents.WithLabelValues(SourceStripe, "bad_signature").Inc()
		log.Printf("payments: stripe webhook discarded: %v", err)
		return err
	}
	return r.deliver(ctx, SourceStripe, id, typ, ev, err)
}

// deliver dedups a verified event by id and applies it.
func (r *Reconciler) deliver(ctx context.Context, source, id, name string, ev Event, err error) error {
	if errors.Is(err, ErrUnknownEvent) {
		metrics.PaymentEvents.WithLabelValues(source, "ignored").Inc()
		log.Printf("payments: ignoring %s event %q", source, name)
		return nil
	}
	if err != nil {
		metrics.PaymentEvents.WithLabelValues(source, "malformed").Inc()
		return err
	}

	key := "webhook:" + id
	if id != "" && r.Dedup != nil {
		first, err := r.Dedup.Claim(ctx, key)
		if err != nil {
			log.Printf("payments: dedup check for %s: %v", id, err)
		} else if !first {
			metrics.PaymentEvents.WithLabelValues(source, "duplicate").Inc()
			return nil
		}
	}

	if err := r.apply(ctx, source, ev); err != nil {
		// let the provider's redelivery try again
		if id != "" && r.Dedup != nil {
			_ = r.Dedup.Forget(ctx, key)
		}
		return err
	}
	return nil
}

// locate finds the order by provider reference, then by our own id when the
// provider echoed it back.
func (r *Reconciler) locate(ctx context.Context, kind orders.RefKind, ref, orderID string) (*orders.Order, error) {
	o, err := r.Orders.Store.FindByProviderRef(ctx, kind, ref)
	if errors.Is(err, orders.ErrNotFound) && orderID != "" {
		o, err = r.Orders.Get(ctx, orderID)
	}
	return o, err
}

func (r *Reconciler) apply(ctx context.Context, source string, ev Event) error {
	switch e := ev.(type) {
	case CapturedEvent:
		o, err := r.locate(ctx, orders.RefProviderOrder, e.ProviderOrderID, e.ReferenceID)
		if err != nil {
			return fmt.Errorf("captured %s: %w", e.ProviderOrderID, err)
		}
		return r.succeed(ctx, source, o.ID, orders.ProviderRefs{OrderID: e.ProviderOrderID, PaymentID: e.PaymentID})

	case LinkPaidEvent:
		o, err := r.locate(ctx, orders.RefLink, e.LinkID, e.ReferenceID)
		if err != nil {
			return fmt.Errorf("link %s: %w", e.LinkID, err)
		}
		return r.succeed(ctx, source, o.ID, orders.ProviderRefs{LinkID: e.LinkID, PaymentID: e.PaymentID})

	case FailedEvent:
		o, err := r.locate(ctx, orders.RefProviderOrder, e.ProviderOrderID, e.ReferenceID)
		if err != nil {
			return fmt.Errorf("failed %s: %w", e.ProviderOrderID, err)
		}
		if _, err := r.Orders.ApplyPaymentFailure(ctx, o.ID, e.Reason); err != nil {
			return err
		}
		metrics.PaymentEvents.WithLabelValues(source, "failed").Inc()
		return nil

	case RefundProcessedEvent:
		o, err := r.Orders.Store.FindByProviderRef(ctx, orders.RefPayment, e.PaymentID)
		if err != nil {
			return fmt.Errorf("refund for %s: %w", e.PaymentID, err)
		}
		if _, err := r.Orders.MarkRefunded(ctx, o.ID, e.RefundID); err != nil {
			return err
		}
		metrics.PaymentEvents.WithLabelValues(source, "refunded").Inc()
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

// succeed is the single success path shared by every signal source.
func (r *Reconciler) succeed(ctx context.Context, source, orderID string, refs orders.ProviderRefs) error {
	o, applied, err := r.Orders.ApplyPaymentSuccess(ctx, orderID, refs)
	if err != nil {
		return err
	}
	if !applied {
		metrics.PaymentEvents.WithLabelValues(source, "duplicate").Inc()
		// an earlier signal recorded the payment but its confirm write failed
		if o != nil && o.Status == orders.StatusPending && o.PaymentStatus == orders.PaymentCompleted {
			log.Printf("payments: %s paid but still pending, confirming", orderID)
			_, err = r.Orders.Confirm(ctx, orderID, orders.ActorSystem)
			return err
		}
		return nil
	}
	metrics.PaymentEvents.WithLabelValues(source, "captured").Inc()
	log.Printf("payments: %s captured payment %s for %s", source, o.Provider.PaymentID, orderID)

	if o.Status == orders.StatusCancelled {
		// paid after the sweep gave up on it
		log.Printf("payments: %s was already cancelled, refunding", orderID)
		if err := r.Refund(ctx, orderID); err != nil {
			log.Printf("payments: refund of late payment for %s: %v", orderID, err)
		}
		return nil
	}
	_, err = r.Orders.Confirm(ctx, orderID, orders.ActorSystem)
	return err
}

// CallbackParams are the redirect query parameters.
type CallbackParams struct {
	PaymentID string
	OrderID   string // provider order id
	LinkID    string
	Signature string
}

// HandleCallback verifies the redirect signature and runs the same success
// path as the webhook. It returns the order for the redirect page.
func (r *Reconciler) HandleCallback(ctx context.Context, p CallbackParams) (*orders.Order, error) {
	ref, kind := p.OrderID, orders.RefProviderOrder
	if ref == "" {
		ref, kind = p.LinkID, orders.RefLink
	}
	if ref == "" || p.PaymentID == "" {
		metrics.PaymentEvents.WithLabelValues(SourceCallback, "bad_signature").Inc()
		return nil, ErrSignatureInvalid
	}
	if err := VerifyCallback(r.KeySecret, ref, p.PaymentID, p.Signature); err != nil {
		metrics.PaymentEvents.WithLabelValues(SourceCallback, "bad_signature").Inc()
		log.Printf("payments: callback for %s discarded: %v", ref, err)
		return nil, err
	}
	o, err := r.Orders.Store.FindByProviderRef(ctx, kind, ref)
	if err != nil {
		return nil, err
	}
	refs := orders.ProviderRefs{PaymentID: p.PaymentID}
	if kind == orders.RefLink {
		refs.LinkID = ref
	} else {
		refs.OrderID = ref
	}
	if err := r.succeed(ctx, SourceCallback, o.ID, refs); err != nil {
		return nil, err
	}
	return r.Orders.Get(ctx, o.ID)
}

// Retry asks the provider for the payment state of a pending order and
// applies it. It is the admin path when neither webhook nor callback arrived.
func (r *Reconciler) Retry(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := r.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != orders.PaymentPrepaid || o.PaymentStatus == orders.PaymentRefunded {
		return o, nil
	}
	if o.PaymentStatus == orders.PaymentCompleted {
		if o.Status != orders.StatusPending {
			return o, nil
		}
		if err := r.succeed(ctx, SourceRetry, orderID, orders.ProviderRefs{PaymentID: o.Provider.PaymentID}); err != nil {
			return nil, err
		}
		return r.Orders.Get(ctx, orderID)
	}
	st, err := r.Gateway.FetchPayment(ctx, o.Provider)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StatusCaptured:
		if err := r.succeed(ctx, SourceRetry, orderID, orders.ProviderRefs{PaymentID: st.PaymentID}); err != nil {
			return nil, err
		}
	case StatusFailed:
		if _, err := r.Orders.ApplyPaymentFailure(ctx, orderID, st.Reason); err != nil {
			return nil, err
		}
		metrics.PaymentEvents.WithLabelValues(SourceRetry, "failed").Inc()
	default:
		metrics.PaymentEvents.WithLabelValues(SourceRetry, "pending").Inc()
	}
	return r.Orders.Get(ctx, orderID)
}

// Refund issues a refund against the captured payment. A synchronous
// provider success settles the order at once; otherwise refund.processed
// settles it later.
func (r *Reconciler) Refund(ctx context.Context, orderID string) error {
	o, err := r.Orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == orders.PaymentRefunded {
		return nil
	}
	if o.PaymentStatus != orders.PaymentCompleted || o.Provider.PaymentID == "" {
		return fmt.Errorf("%w: no captured payment on %s", orders.ErrInvalidTransition, orderID)
	}
	res, err := r.Gateway.Refund(ctx, o.Provider.PaymentID, o.TotalCents)
	if err != nil {
		metrics.PaymentEvents.WithLabelValues("refund", "error").Inc()
		return err
	}
	log.Printf("payments: refund %s requested for %s", res.RefundID, orderID)
	if !res.Done {
		return nil
	}
	_, err = r.Orders.MarkRefunded(ctx, orderID, res.RefundID)
	return err
}
