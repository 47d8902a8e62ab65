package orders

import (
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
)

// Item is a price snapshot taken at checkout. It never changes afterwards.
type Item struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	ImageURL      string `json:"image_url,omitempty"`
	Qty           int    `json:"qty"`
	PriceCents    int    `json:"price_cents"`
	DiscountCents int    `json:"discount_cents"`
	TotalCents    int    `json:"total_cents"`
}

type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Actor  Actor     `json:"actor"`
	Note   string    `json:"note,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Address struct {
	Text     string   `json:"text"`
	Location GeoPoint `json:"location"`
}

// ProviderRefs correlate an order with the payment provider. Each one is
// unique when set and doubles as an idempotency key.
type ProviderRefs struct {
	OrderID   string `json:"provider_order_id,omitempty"`
	PaymentID string `json:"provider_payment_id,omitempty"`
	LinkID    string `json:"provider_link_id,omitempty"`
	LinkURL   string `json:"payment_link_url,omitempty"`
	RefundID  string `json:"provider_refund_id,omitempty"`
}

type Fraud struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
}

type Order struct {
	ID             string         `json:"order_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	UserID         string         `json:"user_id"`
	Items          []Item         `json:"items"`
	SubtotalCents  int            `json:"subtotal_cents"`
	DiscountCents  int            `json:"discount_cents"`
	DeliveryFee    int            `json:"delivery_fee_cents"`
	TotalCents     int            `json:"total_cents"`
	Status         Status         `json:"status"`
	History        []HistoryEntry `json:"status_history"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	PaymentStatus  PaymentStatus  `json:"payment_status"`
	Provider       ProviderRefs   `json:"provider"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	StockCommitted bool           `json:"stock_committed"`

	DeliveryAddress    Address       `json:"delivery_address"`
	PartnerID          string        `json:"delivery_partner_id,omitempty"`
	DeliveryDistanceKm float64       `json:"delivery_distance_km,omitempty"`
	ETA                time.Duration `json:"eta,omitempty"`

	Fraud        Fraud      `json:"fraud"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Lines converts the snapshot into ledger lines.
func (o *Order) Lines() []inventory.Line {
	out := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, inventory.Line{ProductID: it.ProductID, Qty: it.Qty})
	}
	return out
}

// transition moves the order and appends the audit entry. Callers check
// CanTransition first.
func (o *Order) transition(to Status, actor Actor, note string, at time.Time) {
	o.Status = to
	o.History = append(o.History, HistoryEntry{Status: to, At: at, Actor: actor, Note: note})
	o.UpdatedAt = at
}

func (o *Order) clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.History = append([]HistoryEntry(nil), o.History...)
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.ConfirmedAt != nil {
		t := *o.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// CustomerStats feeds the fraud heuristic.
type CustomerStats struct {
	TotalOrders     int
	CODOrders       int
	CancelledOrders int
	RecentOrders    int // placed since the window start
}
