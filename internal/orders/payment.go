package orders

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine/internal/notify"
)

// ApplyPaymentSuccess records a verified capture. applied is false when the
// payment was already settled, so duplicate signals change nothing.
// Confirmation is left to the caller.
func (s *Service) ApplyPaymentSuccess(ctx context.Context, id string, refs ProviderRefs) (o *Order, applied bool, err error) {
	o, err = s.Store.Mutate(ctx, id, func(o *Order) error {
		if o.PaymentStatus == PaymentCompleted || o.PaymentStatus == PaymentRefunded {
			return ErrNoop
		}
		if refs.PaymentID != "" {
			o.Provider.PaymentID = refs.PaymentID
		}
		if o.Provider.OrderID == "" {
			o.Provider.OrderID = refs.OrderID
		}
		if o.Provider.LinkID == "" {
			o.Provider.LinkID = refs.LinkID
		}
		o.PaymentStatus = PaymentCompleted
		o.ExpiresAt = nil
		o.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// ApplyPaymentFailure marks the payment failed and leaves the order pending
// so the customer can retry until the expiry sweep cancels it.
func (s *Service) ApplyPaymentFailure(ctx context.Context, id, reason string) (*Order, error) {
	o, err := s.Store.Mutate(ctx, id, func(o *Order) error {
		if o.PaymentStatus != PaymentPending && o.PaymentStatus != PaymentProcessing {
			return ErrNoop
		}
		o.PaymentStatus = PaymentFailed
		o.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	log.Printf("orders: payment failed for %s: %s", id, reason)
	s.notify(ctx, notify.TypeOrderStatus, o.UserID, map[string]any{
		"order_id":       o.ID,
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
		"reason":         reason,
	})
	return o, nil
}

// MarkRefunded settles a processed refund: payment and order both end up
// refunded in the same write.
func (s *Service) MarkRefunded(ctx context.Context, id, refundID string) (*Order, error) {
	var partner string
	o, err := s.Store.Mutate(ctx, id, func(o *Order) error {
		if o.PaymentStatus == PaymentRefunded && o.Status == StatusRefunded {
			return ErrNoop
		}
		if o.PaymentStatus != PaymentCompleted && o.PaymentStatus != PaymentRefunded {
			return fmt.Errorf("%w: nothing was captured for %s", ErrInvalidTransition, o.ID)
		}
		if !CanTransition(o.Status, StatusRefunded) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusRefunded)
		}
		if o.Status != StatusDelivered && o.Status != StatusCancelled {
			partner = o.PartnerID
		}
		o.PaymentStatus = PaymentRefunded
		if refundID != "" {
			o.Provider.RefundID = refundID
		}
		o.ExpiresAt = nil
		o.transition(StatusRefunded, ActorSystem, "refund processed", s.now())
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.StatusTransitions.WithLabelValues(string(StatusRefunded), string(ActorSystem)).Inc()
	log.Printf("orders: refunded %s refund_id=%s", id, refundID)

	if partner != "" && s.Partners != nil {
		if err := s.Partners.ReleaseAgent(ctx, partner, id); err != nil {
			log.Printf("orders: release partner %s for refunded %s: %v", partner, id, err)
		}
	}
	s.notify(ctx, notify.TypeOrderStatus, o.UserID, map[string]any{"order_id": o.ID, "status": o.Status})
	s.notify(ctx, notify.TypeAdminStatusUpdate, s.Config.AdminUserID, map[string]any{
		"order_id": o.ID, "status": o.Status, "actor": ActorSystem,
	})
	return o, nil
}
