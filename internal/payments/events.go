package payments

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown payment event")
	ErrBadEvent     = errors.New("malformed payment event")
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventPaymentLinkPaid = "payment_link.paid"
	EventRefundProcessed = "refund.processed"
)

// Envelope is the provider's webhook body.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type paymentEntity struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	AmountCents int    `json:"amount"`
	Status      string `json:"status"`
	ErrorReason string `json:"error_description"`
}

type linkEntity struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
}

type refundEntity struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AmountCents int    `json:"amount"`
}

type payload struct {
	Payment *struct {
		Entity paymentEntity `json:"entity"`
	} `json:"payment"`
	PaymentLink *struct {
		Entity linkEntity `json:"entity"`
	} `json:"payment_link"`
	Refund *struct {
		Entity refundEntity `json:"entity"`
	} `json:"refund"`
}

// Event is one decoded webhook variant.
type Event interface {
	Name() string
}

type CapturedEvent struct {
	ProviderOrderID string
	PaymentID       string
	AmountCents     int
	// ReferenceID is our order id when the provider echoes it back.
	ReferenceID string
}

type FailedEvent struct {
	ProviderOrderID string
	PaymentID       string
	Reason          string
	ReferenceID     string
}

type LinkPaidEvent struct {
	LinkID    string
	PaymentID string
	// ReferenceID is our order id when the link was created with one.
	ReferenceID string
}

type RefundProcessedEvent struct {
	RefundID    string
	PaymentID   string
	AmountCents int
}

func (CapturedEvent) Name() string        { return EventPaymentCaptured }
func (FailedEvent) Name() string          { return EventPaymentFailed }
func (LinkPaidEvent) Name() string        { return EventPaymentLinkPaid }
func (RefundProcessedEvent) Name() string { return EventRefundProcessed }

// ParseEvent decodes the envelope into its variant and checks the fields
// each variant needs to locate the order.
func ParseEvent(body []byte) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	var p payload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env, nil, fmt.Errorf("%w: payload: %v", ErrBadEvent, err)
		}
	}

	switch env.Event {
	case EventPaymentCaptured:
		if p.Payment == nil || p.Payment.Entity.ID == "" || p.Payment.Entity.OrderID == "" {
			return env, nil, fmt.Errorf("%w: %s needs payment id and order id", ErrBadEvent, env.Event)
		}
		e := p.Payment.Entity
		return env, CapturedEvent{ProviderOrderID: e.OrderID, PaymentID: e.ID, AmountCents: e.AmountCents}, nil
	case EventPaymentFailed:
		if p.Payment == nil || p.Payment.Entity.OrderID == "" {
			return env, nil, fmt.Errorf("%w: %s needs order id", ErrBadEvent, env.Event)
		}
		e := p.Payment.Entity
		return env, FailedEvent{ProviderOrderID: e.OrderID, PaymentID: e.ID, Reason: e.ErrorReason}, nil
	case EventPaymentLinkPaid:
		if p.PaymentLink == nil || p.PaymentLink.Entity.ID == "" {
			return env, nil, fmt.Errorf("%w: %s needs link id", ErrBadEvent, env.Event)
		}
		ev := LinkPaidEvent{LinkID: p.PaymentLink.Entity.ID, ReferenceID: p.PaymentLink.Entity.ReferenceID}
		if p.Payment != nil {
			ev.PaymentID = p.Payment.Entity.ID
		}
		return env, ev, nil
	case EventRefundProcessed:
		if p.Refund == nil || p.Refund.Entity.ID == "" || p.Refund.Entity.PaymentID == "" {
			return env, nil, fmt.Errorf("%w: %s needs refund id and payment id", ErrBadEvent, env.Event)
		}
		e := p.Refund.Entity
		return env, RefundProcessedEvent{RefundID: e.ID, PaymentID: e.PaymentID, AmountCents: e.AmountCents}, nil
	}
	return env, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}
