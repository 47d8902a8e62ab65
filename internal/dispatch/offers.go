package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoOffer = errors.New("no offer for this agent")

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

type Offer struct {
	OrderID     string      `json:"order_id"`
	AgentID     string      `json:"agent_id"`
	Status      OfferStatus `json:"status"`
	DistanceKm  float64     `json:"distance_km"`
	OfferedAt   time.Time   `json:"offered_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	// RoundAt is when the dispatch round that made this offer started.
	RoundAt time.Time `json:"round_at"`
}

// OfferLog records every offer made for an order so a round resumed after a
// restart skips agents that were already asked.
type OfferLog interface {
	Create(ctx context.Context, o Offer) error
	Get(ctx context.Context, orderID, agentID string) (Offer, error)
	// Transition moves an offer from one status to another. ok is false
	// when the offer was no longer in from.
	Transition(ctx context.Context, orderID, agentID string, from, to OfferStatus, at time.Time) (ok bool, err error)
	Offered(ctx context.Context, orderID string) (map[string]Offer, error)
}

type MemOfferLog struct {
	mu     sync.Mutex
	offers map[[2]string]*Offer
}

func NewMemOfferLog() *MemOfferLog {
	return &MemOfferLog{offers: make(map[[2]string]*Offer)}
}

func (l *MemOfferLog) Create(_ context.Context, o Offer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers[[2]string{o.OrderID, o.AgentID}] = &o
	return nil
}

func (l *MemOfferLog) Get(_ context.Context, orderID, agentID string) (Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.offers[[2]string{orderID, agentID}]
	if !ok {
		return Offer{}, ErrNoOffer
	}
	return *o, nil
}

func (l *MemOfferLog) Transition(_ context.Context, orderID, agentID string, from, to OfferStatus, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.offers[[2]string{orderID, agentID}]
	if !ok {
		return false, ErrNoOffer
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.RespondedAt = &at
	return true, nil
}

func (l *MemOfferLog) Offered(_ context.Context, orderID string) (map[string]Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Offer)
	for k, o := range l.offers {
		if k[0] == orderID {
			out[k[1]] = *o
		}
	}
	return out, nil
}

type PGOfferLog struct{ DB *pgxpool.Pool }

func (l *PGOfferLog) Create(ctx context.Context, o Offer) error {
	_, err := l.DB.Exec(ctx, `
		INSERT INTO dispatch_offers(order_id, agent_id, status, distance_km, offered_at, round_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (order_id, agent_id) DO UPDATE
		SET status=EXCLUDED.status, distance_km=EXCLUDED.distance_km,
		    offered_at=EXCLUDED.offered_at, round_at=EXCLUDED.round_at, responded_at=NULL`,
		o.OrderID, o.AgentID, o.Status, o.DistanceKm, o.OfferedAt, o.RoundAt)
	return err
}

func (l *PGOfferLog) Get(ctx context.Context, orderID, agentID string) (Offer, error) {
	var o Offer
	err := l.DB.QueryRow(ctx, `
		SELECT order_id, agent_id, status, distance_km, offered_at, responded_at, round_at
		FROM dispatch_offers WHERE order_id=$1 AND agent_id=$2`, orderID, agentID).
		Scan(&o.OrderID, &o.AgentID, &o.Status, &o.DistanceKm, &o.OfferedAt, &o.RespondedAt, &o.RoundAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, ErrNoOffer
	}
	return o, err
}

func (l *PGOfferLog) Transition(ctx context.Context, orderID, agentID string, from, to OfferStatus, at time.Time) (bool, error) {
	tag, err := l.DB.Exec(ctx, `
		UPDATE dispatch_offers SET status=$4, responded_at=$5
		WHERE order_id=$1 AND agent_id=$2 AND status=$3`, orderID, agentID, from, to, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := l.Get(ctx, orderID, agentID); err != nil {
		return false, err
	}
	return false, nil
}

func (l *PGOfferLog) Offered(ctx context.Context, orderID string) (map[string]Offer, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT order_id, agent_id, status, distance_km, offered_at, responded_at, round_at
		FROM dispatch_offers WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Offer)
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.OrderID, &o.AgentID, &o.Status, &o.DistanceKm, &o.OfferedAt, &o.RespondedAt, &o.RoundAt); err != nil {
			return nil, err
		}
		out[o.AgentID] = o
	}
	return out, rows.Err()
}
