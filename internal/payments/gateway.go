package payments

import (
	"context"
	"strings"
	"sync"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/google/uuid"
)

type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"
	StatusCaptured PaymentStatus = "captured"
	StatusFailed   PaymentStatus = "failed"
)

// PaymentState is what the provider reports for a provider order.
type PaymentState struct {
	PaymentID string
	Status    PaymentStatus
	Reason    string
}

type RefundResult struct {
	RefundID string
	// Done is true when the provider settled the refund synchronously.
	Done bool
}

// Gateway is the payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, o *orders.Order) (orders.ProviderRefs, error)
	FetchPayment(ctx context.Context, ref orders.ProviderRefs) (PaymentState, error)
	Refund(ctx context.Context, paymentID string, amountCents int) (RefundResult, error)
}

// OfflineGateway issues local ids and never talks to a provider. Payments
// are settled by signed callbacks or by MarkCaptured.
type OfflineGateway struct {
	BaseURL string

	mu       sync.Mutex
	captured map[string]string // provider order id -> payment id
}

func shortID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

func (g *OfflineGateway) CreateOrder(_ context.Context, o *orders.Order) (orders.ProviderRefs, error) {
	refs := orders.ProviderRefs{OrderID: shortID("order_"), LinkID: shortID("plink_")}
	base := strings.TrimRight(g.BaseURL, "/")
	if base == "" {
		base = "http://localhost:8081/pay"
	}
	refs.LinkURL = base + "/" + refs.LinkID + "?ref=" + o.ID
	return refs, nil
}

// MarkCaptured records a capture for FetchPayment to report.
func (g *OfflineGateway) MarkCaptured(providerOrderID, paymentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captured == nil {
		g.captured = make(map[string]string)
	}
	g.captured[providerOrderID] = paymentID
}

func (g *OfflineGateway) FetchPayment(_ context.Context, ref orders.ProviderRefs) (PaymentState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.captured[ref.OrderID]; ok {
		return PaymentState{PaymentID: id, Status: StatusCaptured}, nil
	}
	return PaymentState{Status: StatusPending}, nil
}

func (g *OfflineGateway) Refund(_ context.Context, _ string, _ int) (RefundResult, error) {
	return RefundResult{RefundID: shortID("rfnd_"), Done: true}, nil
}
