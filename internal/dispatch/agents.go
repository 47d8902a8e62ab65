package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentUnavailable = errors.New("agent unavailable")
)

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
)

type Agent struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	Active         bool            `json:"active"`
	Online         bool            `json:"online"`
	Status         AgentStatus     `json:"status"`
	Location       orders.GeoPoint `json:"location"`
	Rating         float64         `json:"rating"`
	CurrentOrderID string          `json:"current_order_id,omitempty"`
	Deliveries     int             `json:"deliveries"`
	PendingCents   int             `json:"pending_earnings_cents"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (a Agent) dispatchable() bool {
	return a.Active && a.Online && a.Status == AgentAvailable
}

// Candidate is an agent together with its distance to the drop-off.
type Candidate struct {
	Agent
	DistanceKm float64 `json:"distance_km"`
}

// Directory is the agent store. Claim and Release are the only ways an
// agent's availability changes, and each is atomic.
type Directory interface {
	Upsert(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (Agent, error)
	// Nearby returns dispatchable agents within radiusKm of at. The order is
	// the directory's own; callers rank the result.
	Nearby(ctx context.Context, at orders.GeoPoint, radiusKm float64) ([]Candidate, error)
	// Claim marks the agent busy with orderID. Claiming for the order the
	// agent already holds succeeds.
	Claim(ctx context.Context, agentID, orderID string) error
	// Release frees the agent if it is still busy with orderID.
	Release(ctx context.Context, agentID, orderID string) error
	// CompleteDelivery frees the agent and credits one delivery.
	CompleteDelivery(ctx context.Context, agentID, orderID string, earningCents int) error
	UpdateLocation(ctx context.Context, agentID string, at orders.GeoPoint) error
	SetOnline(ctx context.Context, agentID string, online bool) error
}

// Rank sorts candidates nearest first, better rating first on ties.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].Rating > cands[j].Rating
	})
}

// PartnerLedger adapts a Directory to the order aggregate's delivery hooks.
type PartnerLedger struct {
	Agents   Directory
	Earnings Earnings
}

// CompleteDelivery credits the flat delivery earning; the distance-based
// figure is only quoted in the offer.
func (p PartnerLedger) CompleteDelivery(ctx context.Context, agentID, orderID string) error {
	return p.Agents.CompleteDelivery(ctx, agentID, orderID, p.Earnings.For(0))
}

func (p PartnerLedger) ReleaseAgent(ctx context.Context, agentID, orderID string) error {
	return p.Agents.Release(ctx, agentID, orderID)
}
