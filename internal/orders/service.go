package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine/internal/notify"
	"github.com/google/uuid"
)

const ReasonPaymentTimeout = "payment not received in time"

var ErrInvalidRequest = errors.New("invalid checkout request")

// PaymentLinker is the part of the payment reconciler the aggregate calls.
type PaymentLinker interface {
	Open(ctx context.Context, o *Order) (ProviderRefs, error)
	Refund(ctx context.Context, orderID string) error
}

// JobQueue schedules the delayed jobs that drive an order after confirmation.
type JobQueue interface {
	ScheduleMilestone(ctx context.Context, orderID string, from, to Status, delay time.Duration) error
	ScheduleDispatch(ctx context.Context, orderID string, delay time.Duration) error
}

// PartnerLedger is the agent directory side of delivery completion.
type PartnerLedger interface {
	CompleteDelivery(ctx context.Context, agentID, orderID string) error
	ReleaseAgent(ctx context.Context, agentID, orderID string) error
}

type Milestones struct {
	Packing        time.Duration `yaml:"packing"`
	OutForDelivery time.Duration `yaml:"out_for_delivery"`
	Delivered      time.Duration `yaml:"delivered"`
}

type Config struct {
	PaymentExpiry    time.Duration `yaml:"payment_expiry"`
	DeliveryFeeCents int           `yaml:"delivery_fee_cents"`
	Milestones       Milestones    `yaml:"milestones"`
	DispatchDelay    time.Duration `yaml:"dispatch_delay"`
	Fraud            FraudRules    `yaml:"fraud"`
	AdminUserID      string        `yaml:"admin_user_id"`
}

func DefaultConfig() Config {
	return Config{
		PaymentExpiry:    15 * time.Minute,
		DeliveryFeeCents: 2500,
		Milestones: Milestones{
			Packing:        2 * time.Minute,
			OutForDelivery: 5 * time.Minute,
			Delivered:      10 * time.Minute,
		},
		DispatchDelay: 5 * time.Second,
		Fraud:         DefaultFraudRules(),
		AdminUserID:   "admin",
	}
}

type Service struct {
	Store    Store
	Ledger   inventory.Ledger
	Payments PaymentLinker
	Jobs     JobQueue
	Notifier notify.Notifier
	Partners PartnerLedger
	Config   Config
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) notify(ctx context.Context, t notify.Type, userID string, data map[string]any) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(ctx, notify.Notification{Type: t, UserID: userID, Data: data})
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.Store.Get(ctx, id)
}

type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CheckoutRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	UserID         string         `json:"user_id"`
	Items          []CheckoutItem `json:"items"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	Address        Address        `json:"delivery_address"`
}

func (r CheckoutRequest) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: missing user_id", ErrInvalidRequest)
	case len(r.Items) == 0:
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	case !r.PaymentMethod.Valid():
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, r.PaymentMethod)
	case strings.TrimSpace(r.Address.Text) == "":
		return fmt.Errorf("%w: missing delivery address", ErrInvalidRequest)
	}
	for _, it := range r.Items {
		if it.ProductID == "" || it.Qty <= 0 {
			return fmt.Errorf("%w: invalid item %q qty=%d", ErrInvalidRequest, it.ProductID, it.Qty)
		}
	}
	return nil
}

func newOrderID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}

// snapshot captures name, image and price of every line at checkout time.
func snapshot(products map[string]inventory.Product, req []CheckoutItem) (items []Item, subtotal, discount int, err error) {
	for _, it := range req {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, 0, 0, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, it.ProductID)
		}
		if !p.Active {
			return nil, 0, 0, fmt.Errorf("%w: %s", inventory.ErrProductInactive, p.Name)
		}
		unitDiscount := p.DiscountCents
		if unitDiscount > p.PriceCents {
			unitDiscount = p.PriceCents
		}
		items = append(items, Item{
			ProductID:     p.ID,
			Name:          p.Name,
			ImageURL:      p.ImageURL,
			Qty:           it.Qty,
			PriceCents:    p.PriceCents,
			DiscountCents: unitDiscount,
			TotalCents:    (p.PriceCents - unitDiscount) * it.Qty,
		})
		subtotal += p.PriceCents * it.Qty
		discount += unitDiscount * it.Qty
	}
	return items, subtotal, discount, nil
}

// Create runs checkout: snapshot prices, reserve stock, open the provider
// order for prepaid or confirm straight away for cash-on-delivery. A repeated
// idempotency key returns the first order (existed=true) without reserving again.
func (s *Service) Create(ctx context.Context, req CheckoutRequest) (o *Order, existed bool, err error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey != "" {
		ex, err := s.Store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return ex, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	ids := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.Ledger.Products(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	items, subtotal, discount, err := snapshot(products, req.Items)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	o = &Order{
		ID:              newOrderID(now),
		IdempotencyKey:  req.IdempotencyKey,
		UserID:          req.UserID,
		Items:           items,
		SubtotalCents:   subtotal,
		DiscountCents:   discount,
		DeliveryFee:     s.Config.DeliveryFeeCents,
		TotalCents:      subtotal - discount + s.Config.DeliveryFeeCents,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   PaymentPending,
		DeliveryAddress: req.Address,
		CreatedAt:       now,
	}
	if req.PaymentMethod == PaymentCOD {
		o.Fraud = s.assessFraud(ctx, req.UserID, now)
	}

	lines := o.Lines()
	if err := s.Ledger.ReserveAll(ctx, lines); err != nil {
		return nil, false, err
	}
	release := func() {
		if err := s.Ledger.ReleaseAll(ctx, lines); err != nil {
			log.Printf("orders: release after failed checkout user=%s: %v", req.UserID, err)
		}
	}

	switch req.PaymentMethod {
	case PaymentPrepaid:
		o.transition(StatusPending, ActorCustomer, "", now)
		exp := now.Add(s.Config.PaymentExpiry)
		o.ExpiresAt = &exp
		if s.Payments != nil {
			refs, err := s.Payments.Open(ctx, o)
			if err != nil {
				release()
				return nil, false, fmt.Errorf("open payment: %w", err)
			}
			o.Provider = refs
		}
	case PaymentCOD:
		o.transition(StatusConfirmed, ActorCustomer, "cash on delivery", now)
		o.ConfirmedAt = &now
		o.StockCommitted = true
	}

	if err := s.Store.Insert(ctx, o); err != nil {
		release()
		if errors.Is(err, ErrDuplicate) && req.IdempotencyKey != "" {
			if ex, gerr := s.Store.GetByIdempotencyKey(ctx, req.IdempotencyKey); gerr == nil {
				return ex, true, nil
			}
		}
		return nil, false, err
	}

	metrics.OrdersCreated.WithLabelValues(string(o.PaymentMethod)).Inc()
	metrics.StatusTransitions.WithLabelValues(string(o.Status), string(ActorCustomer)).Inc()
	log.Printf("orders: created %s user=%s method=%s total=%d fraud=%v", o.ID, o.UserID, o.PaymentMethod, o.TotalCents, o.Fraud.Flagged)

	s.notify(ctx, notify.TypeAdminNewOrder, s.Config.AdminUserID, map[string]any{
		"order_id":       o.ID,
		"user_id":        o.UserID,
		"total_cents":    o.TotalCents,
		"payment_method": o.PaymentMethod,
		"fraud_flagged":  o.Fraud.Flagged,
		"fraud_reason":   o.Fraud.Reason,
	})

	if o.Status == StatusConfirmed {
		s.afterConfirm(ctx, o)
	}
	return o, false, nil
}

// Confirm moves a pending order to confirmed exactly once. Any other status
// makes it a silent no-op, which is what makes duplicate payment signals safe.
func (s *Service) Confirm(ctx context.Context, id string, actor Actor) (*Order, error) {
	o, err := s.Store.Mutate(ctx, id, func(o *Order) error {
		if o.Status != StatusPending {
			return ErrNoop
		}
		now := s.now()
		o.transition(StatusConfirmed, actor, "", now)
		o.ConfirmedAt = &now
		o.ExpiresAt = nil
		o.StockCommitted = true
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.StatusTransitions.WithLabelValues(string(StatusConfirmed), string(actor)).Inc()
	s.afterConfirm(ctx, o)
	return o, nil
}

// afterConfirm runs the one-time side effects of confirmation.
func (s *Service) afterConfirm(ctx context.Context, o *Order) {
	if err := s.Ledger.CommitAll(ctx, o.Lines()); err != nil {
		log.Printf("orders: commit stock for %s failed: %v", o.ID, err)
	}

	if o.PaymentMethod == PaymentPrepaid {
		s.notify(ctx, notify.TypePaymentSuccess, o.UserID, map[string]any{
			"order_id":    o.ID,
			"total_cents": o.TotalCents,
			"payment_id":  o.Provider.PaymentID,
		})
	} else {
		s.notify(ctx, notify.TypeOrderStatus, o.UserID, map[string]any{"order_id": o.ID, "status": o.Status})
	}

	if s.Jobs == nil {
		return
	}
	m := s.Config.Milestones
	steps := []struct {
		from, to Status
		delay    time.Duration
	}{
		{StatusConfirmed, StatusPreparing, m.Packing},
		{StatusPreparing, StatusOutForDelivery, m.OutForDelivery},
		{StatusOutForDelivery, StatusDelivered, m.Delivered},
	}
	for _, st := range steps {
		if err := s.Jobs.ScheduleMilestone(ctx, o.ID, st.from, st.to, st.delay); err != nil {
			log.Printf("orders: schedule milestone %s->%s for %s: %v", st.from, st.to, o.ID, err)
		}
	}
	if err := s.Jobs.ScheduleDispatch(ctx, o.ID, s.Config.DispatchDelay); err != nil {
		log.Printf("orders: schedule dispatch for %s: %v", o.ID, err)
	}
}

func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Order, error) {
	o, _, err := s.cancel(ctx, id, actor, reason, nil, notify.TypeOrderStatus)
	return o, err
}

// cancel applies the cancellation. guard may return ErrNoop to skip orders
// whose state moved on since they were selected.
func (s *Service) cancel(ctx context.Context, id string, actor Actor, reason string, guard func(*Order) error, kind notify.Type) (*Order, bool, error) {
	var (
		release []inventory.Line
		refund  bool
		partner string
	)
	o, err := s.Store.Mutate(ctx, id, func(o *Order) error {
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}
		if o.Status == StatusCancelled {
			return ErrNoop
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusCancelled)
		}
		now := s.now()
		o.transition(StatusCancelled, actor, reason, now)
		o.CancelledAt = &now
		o.CancelReason = reason
		o.ExpiresAt = nil
		if !o.StockCommitted {
			release = o.Lines()
		}
		refund = o.PaymentStatus == PaymentCompleted
		partner = o.PartnerID
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	metrics.StatusTransitions.WithLabelValues(string(StatusCancelled), string(actor)).Inc()
	log.Printf("orders: cancelled %s actor=%s reason=%q", id, actor, reason)

	if len(release) > 0 {
		if err := s.Ledger.ReleaseAll(ctx, release); err != nil {
			log.Printf("orders: release stock for %s failed: %v", id, err)
		}
	}
	if partner != "" && s.Partners != nil {
		if err := s.Partners.ReleaseAgent(ctx, partner, id); err != nil {
			log.Printf("orders: release partner %s for %s: %v", partner, id, err)
		}
	}
	if refund && s.Payments != nil {
		if err := s.Payments.Refund(ctx, id); err != nil {
			log.Printf("orders: refund for cancelled %s failed: %v", id, err)
		}
	}

	s.notify(ctx, kind, o.UserID, map[string]any{"order_id": o.ID, "status": o.Status, "reason": reason})
	s.notify(ctx, notify.TypeAdminStatusUpdate, s.Config.AdminUserID, map[string]any{
		"order_id": o.ID, "status": o.Status, "actor": actor, "reason": reason,
	})
	return o, true, nil
}

// UpdateStatus is the generic actor-tagged transition used by operators and
// delivery partners. Confirmation, cancellation and refund keep their own
// side effects.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, actor Actor, note string) (*Order, error) {
	switch to {
	case StatusCancelled:
		return s.Cancel(ctx, id, actor, note)
	case StatusRefunded:
		return nil, fmt.Errorf("%w: refunds go through the payment reconciler", ErrInvalidTransition)
	case StatusConfirmed:
		cur, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		return s.Confirm(ctx, id, actor)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	o, _, err := s.advance(ctx, id, to, actor, note, "")
	return o, err
}

// AdvanceMilestone applies a scheduled transition only if the order is still
// in the status the timer was armed for; otherwise it is a no-op.
func (s *Service) AdvanceMilestone(ctx context.Context, id string, from, to Status) error {
	o, changed, err := s.advance(ctx, id, to, ActorSystem, "scheduled milestone", from)
	if err != nil {
		return err
	}
	if !changed {
		log.Printf("orders: stale milestone %s->%s for %s ignored, status=%s", from, to, id, o.Status)
	}
	return nil
}

func (s *Service) advance(ctx context.Context, id string, to Status, actor Actor, note string, expect Status) (*Order, bool, error) {
	var delivered bool
	o, err := s.Store.Mutate(ctx, id, func(o *Order) error {
		if expect != "" && o.Status != expect {
			return ErrNoop
		}
		if !CanTransition(o.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
		}
		now := s.now()
		o.transition(to, actor, note, now)
		if to == StatusDelivered {
			o.DeliveredAt = &now
			if o.PaymentMethod == PaymentCOD {
				o.PaymentStatus = PaymentCompleted
			}
			delivered = true
		}
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	metrics.StatusTransitions.WithLabelValues(string(to), string(actor)).Inc()

	if delivered {
		if o.PartnerID != "" && s.Partners != nil {
			if err := s.Partners.CompleteDelivery(ctx, o.PartnerID, o.ID); err != nil {
				log.Printf("orders: credit partner %s for %s: %v", o.PartnerID, o.ID, err)
			}
		}
		if err := s.Store.CreditCustomer(ctx, o.UserID, o.TotalCents); err != nil {
			log.Printf("orders: credit customer %s for %s: %v", o.UserID, o.ID, err)
		}
	}

	s.notify(ctx, notify.TypeOrderStatus, o.UserID, map[string]any{"order_id": o.ID, "status": o.Status})
	s.notify(ctx, notify.TypeAdminStatusUpdate, s.Config.AdminUserID, map[string]any{
		"order_id": o.ID, "status": o.Status, "actor": actor,
	})
	return o, true, nil
}

// ExpireOverdue is the auto-expiry sweep: every prepaid order still waiting
// for payment past its deadline is cancelled and its stock released.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.Store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range due {
		guard := func(cur *Order) error {
			if !expired(cur, now) {
				return ErrNoop
			}
			return nil
		}
		_, changed, err := s.cancel(ctx, o.ID, ActorSystem, ReasonPaymentTimeout, guard, notify.TypeAutoCancel)
		if err != nil {
			log.Printf("orders: expire %s: %v", o.ID, err)
			continue
		}
		if changed {
			n++
		}
	}
	if n > 0 {
		log.Printf("orders: expiry sweep cancelled %d order(s)", n)
	}
	return n, nil
}

// AssignPartner records the delivery partner. It succeeds at most once per
// order; a second, different agent gets ErrAlreadyAssigned.
func (s *Service) AssignPartner(ctx context.Context, orderID, agentID string, distanceKm float64, eta time.Duration) (*Order, error) {
	o, err := s.Store.Mutate(ctx, orderID, func(o *Order) error {
		if o.PartnerID != "" {
			if o.PartnerID == agentID {
				return ErrNoop
			}
			return ErrAlreadyAssigned
		}
		if o.Status == StatusPending || o.Status.Terminal() {
			return fmt.Errorf("%w: cannot assign a partner while %s", ErrInvalidTransition, o.Status)
		}
		o.PartnerID = agentID
		o.DeliveryDistanceKm = distanceKm
		o.ETA = eta
		o.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notify.TypeDeliveryAssigned, o.UserID, map[string]any{
		"order_id":    o.ID,
		"partner_id":  agentID,
		"eta_minutes": int(eta.Round(time.Minute) / time.Minute),
	})
	return o, nil
}

// ClearPartner drops agentID from the order so it can be dispatched again.
// A different or missing partner leaves the order untouched.
func (s *Service) ClearPartner(ctx context.Context, orderID, agentID string) (*Order, error) {
	o, err := s.Store.Mutate(ctx, orderID, func(o *Order) error {
		if o.PartnerID == "" || o.PartnerID != agentID {
			return ErrNoop
		}
		if o.Status == StatusDelivered {
			return fmt.Errorf("%w: order already delivered", ErrInvalidTransition)
		}
		o.PartnerID = ""
		o.DeliveryDistanceKm = 0
		o.ETA = 0
		o.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ErrNoop) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Partners != nil {
		if err := s.Partners.ReleaseAgent(ctx, agentID, orderID); err != nil {
			log.Printf("orders: release partner %s for %s: %v", agentID, orderID, err)
		}
	}
	return o, nil
}
