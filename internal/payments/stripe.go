package payments

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
)

// StripeGateway maps the provider order onto a PaymentIntent and the
// payment link onto a Checkout Session. stripe.Key must be set before use.
type StripeGateway struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

func (g *StripeGateway) currency() string {
	if g.Currency == "" {
		return "idr"
	}
	return g.Currency
}

func (g *StripeGateway) CreateOrder(ctx context.Context, o *orders.Order) (orders.ProviderRefs, error) {
	ip := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(o.TotalCents)),
		Currency: stripe.String(g.currency()),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	ip.Context = ctx
	ip.AddMetadata("order_id", o.ID)
	ip.AddMetadata("user_id", o.UserID)
	ip.SetIdempotencyKey("intent-" + o.ID)
	intent, err := paymentintent.New(ip)
	if err != nil {
		return orders.ProviderRefs{}, fmt.Errorf("stripe payment intent: %w", err)
	}

	sp := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(o.ID),
		SuccessURL:        stripe.String(g.SuccessURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency()),
				UnitAmount: stripe.Int64(int64(o.TotalCents)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + o.ID),
				},
			},
		}},
	}
	if g.CancelURL != "" {
		sp.CancelURL = stripe.String(g.CancelURL)
	}
	// the session opens its own intent; tag it so its events find the order
	sp.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: map[string]string{"order_id": o.ID},
	}
	sp.Context = ctx
	sp.AddMetadata("order_id", o.ID)
	sp.SetIdempotencyKey("link-" + o.ID)
	sess, err := session.New(sp)
	if err != nil {
		return orders.ProviderRefs{}, fmt.Errorf("stripe checkout session: %w", err)
	}

	return orders.ProviderRefs{OrderID: intent.ID, LinkID: sess.ID, LinkURL: sess.URL}, nil
}

// FetchPayment checks the intent first and then the checkout session,
// whichever the customer used.
func (g *StripeGateway) FetchPayment(ctx context.Context, ref orders.ProviderRefs) (PaymentState, error) {
	if ref.OrderID != "" {
		p := &stripe.PaymentIntentParams{}
		p.Context = ctx
		intent, err := paymentintent.Get(ref.OrderID, p)
		if err != nil {
			return PaymentState{}, fmt.Errorf("stripe get intent: %w", err)
		}
		switch intent.Status {
		case stripe.PaymentIntentStatusSucceeded:
			return PaymentState{PaymentID: intent.ID, Status: StatusCaptured}, nil
		case stripe.PaymentIntentStatusCanceled:
			return PaymentState{PaymentID: intent.ID, Status: StatusFailed, Reason: string(intent.CancellationReason)}, nil
		}
	}
	if ref.LinkID != "" {
		p := &stripe.CheckoutSessionParams{}
		p.Context = ctx
		p.AddExpand("payment_intent")
		sess, err := session.Get(ref.LinkID, p)
		if err != nil {
			return PaymentState{}, fmt.Errorf("stripe get session: %w", err)
		}
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid && sess.PaymentIntent != nil {
			return PaymentState{PaymentID: sess.PaymentIntent.ID, Status: StatusCaptured}, nil
		}
	}
	return PaymentState{Status: StatusPending}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentID string, amountCents int) (RefundResult, error) {
	p := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if amountCents > 0 {
		p.Amount = stripe.Int64(int64(amountCents))
	}
	p.Context = ctx
	p.SetIdempotencyKey("refund-" + paymentID)
	r, err := refund.New(p)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe refund: %w", err)
	}
	return RefundResult{RefundID: r.ID, Done: r.Status == stripe.RefundStatusSucceeded}, nil
}
