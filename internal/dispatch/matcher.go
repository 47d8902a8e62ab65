// Package dispatch matches confirmed orders to nearby delivery agents. Offers
// go out one agent at a time, nearest first; the first acceptance wins. Each
// offer is a short step: a timer job or the agent's reply triggers the next.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine/internal/notify"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
)

var (
	ErrExhausted   = errors.New("no agent accepted the order")
	ErrOfferClosed = errors.New("offer already closed")
)

type Config struct {
	RadiusKm     float64       `yaml:"radius_km"`
	OfferTimeout time.Duration `yaml:"offer_timeout"`
	SpeedKmh     float64       `yaml:"speed_kmh"`
	PrepTime     time.Duration `yaml:"prep_time"`
	Earnings     Earnings      `yaml:"earnings"`
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:     5,
		OfferTimeout: 60 * time.Second,
		SpeedKmh:     20,
		PrepTime:     10 * time.Minute,
		Earnings:     Earnings{BaseCents: 1000, PerKmCents: 250},
	}
}

// Orders is the slice of the order aggregate the matcher needs.
type Orders interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	AssignPartner(ctx context.Context, orderID, agentID string, distanceKm float64, eta time.Duration) (*orders.Order, error)
}

// Timers arms the follow-up of an offer: Advance runs for (order, agent)
// once the delay has passed.
type Timers interface {
	ScheduleOfferCheck(ctx context.Context, orderID, agentID string, delay time.Duration) error
}

type Matcher struct {
	Orders   Orders
	Agents   Directory
	Offers   OfferLog
	Notifier notify.Notifier
	Timers   Timers
	Config   Config
	Now      func() time.Time
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

type StepState int

const (
	// StepOffered: a new offer went out and its timer is armed.
	StepOffered StepState = iota
	// StepWaiting: an earlier offer is still inside its window.
	StepWaiting
	// StepAssigned: the order already has a partner.
	StepAssigned
)

// Step is the outcome of one dispatch step. AgentID is the agent offered,
// waited on, or assigned.
type Step struct {
	State   StepState
	AgentID string
}

// Dispatch starts a new offer round. Agents whose offers expired in earlier
// rounds are eligible again; rejections are final. It never waits for an
// answer: the offer's timer or the agent's reply drives the next step.
func (m *Matcher) Dispatch(ctx context.Context, orderID string) (Step, error) {
	return m.step(ctx, orderID, m.now())
}

// Advance moves a round past an offer that timed out or was answered. It is
// safe to run more than once for the same offer.
func (m *Matcher) Advance(ctx context.Context, orderID, agentID string) (Step, error) {
	off, err := m.Offers.Get(ctx, orderID, agentID)
	if err != nil {
		return Step{}, err
	}
	if off.Status == OfferPending {
		ok, err := m.Offers.Transition(ctx, orderID, agentID, OfferPending, OfferExpired, m.now())
		if err != nil {
			return Step{}, err
		}
		if ok {
			metrics.DispatchOutcomes.WithLabelValues("expired").Inc()
			log.Printf("dispatch: offer of %s to %s timed out", orderID, agentID)
		}
	}
	return m.step(ctx, orderID, off.RoundAt)
}

func (m *Matcher) step(ctx context.Context, orderID string, round time.Time) (Step, error) {
	o, err := m.Orders.Get(ctx, orderID)
	if err != nil {
		return Step{}, err
	}
	if o.PartnerID != "" {
		return Step{State: StepAssigned, AgentID: o.PartnerID}, nil
	}
	if o.Status == orders.StatusPending || o.Status.Terminal() {
		return Step{}, fmt.Errorf("%w: cannot dispatch while %s", orders.ErrInvalidTransition, o.Status)
	}

	tried, err := m.Offers.Offered(ctx, orderID)
	if err != nil {
		return Step{}, err
	}
	// offers for one order stay strictly sequential
	for id, prev := range tried {
		if prev.Status != OfferPending {
			continue
		}
		if m.now().Sub(prev.OfferedAt) < m.Config.OfferTimeout {
			return Step{State: StepWaiting, AgentID: id}, nil
		}
		// its timer was lost; treat it as expired in the round it belonged to
		if _, err := m.Offers.Transition(ctx, orderID, id, OfferPending, OfferExpired, m.now()); err != nil {
			return Step{}, err
		}
		prev.Status = OfferExpired
		tried[id] = prev
	}

	cands, err := m.Agents.Nearby(ctx, o.DeliveryAddress.Location, m.Config.RadiusKm)
	if err != nil {
		return Step{}, err
	}
	Rank(cands)
	for _, c := range cands {
		if prev, ok := tried[c.ID]; ok && skip(prev, round) {
			continue
		}
		if err := m.offer(ctx, o, c, round); err != nil {
			return Step{}, err
		}
		return Step{State: StepOffered, AgentID: c.ID}, nil
	}

	metrics.DispatchOutcomes.WithLabelValues("exhausted").Inc()
	log.Printf("dispatch: WARN no agent accepted %s (%d nearby, %d asked before)", orderID, len(cands), len(tried))
	return Step{}, ErrExhausted
}

// skip reports whether an earlier offer rules the agent out of the round
// that started at round. Expired offers from older rounds are retried.
func skip(prev Offer, round time.Time) bool {
	switch prev.Status {
	case OfferRejected, OfferAccepted, OfferPending:
		return true
	case OfferExpired:
		return !prev.RoundAt.Before(round)
	}
	return false
}

func (m *Matcher) offer(ctx context.Context, o *orders.Order, c Candidate, round time.Time) error {
	if err := m.Offers.Create(ctx, Offer{
		OrderID:    o.ID,
		AgentID:    c.ID,
		Status:     OfferPending,
		DistanceKm: c.DistanceKm,
		OfferedAt:  m.now(),
		RoundAt:    round,
	}); err != nil {
		return err
	}
	if m.Timers != nil {
		if err := m.Timers.ScheduleOfferCheck(ctx, o.ID, c.ID, m.Config.OfferTimeout); err != nil {
			// Dispatch sees the stale pending offer and moves on
			log.Printf("dispatch: arm offer timer %s/%s: %v", o.ID, c.ID, err)
		}
	}

	eta := ETA(c.DistanceKm, m.Config.SpeedKmh, m.Config.PrepTime)
	if m.Notifier != nil {
		m.Notifier.Notify(ctx, notify.Notification{
			Type:   notify.TypeDeliveryOffer,
			UserID: c.ID,
			Data: map[string]any{
				"order_id":        o.ID,
				"address":         o.DeliveryAddress.Text,
				"distance_km":     c.DistanceKm,
				"eta_minutes":     int(eta.Round(time.Minute) / time.Minute),
				"earning_cents":   m.Config.Earnings.For(c.DistanceKm),
				"expires_in_secs": int(m.Config.OfferTimeout / time.Second),
			},
		})
	}
	metrics.DispatchOutcomes.WithLabelValues("offered").Inc()
	log.Printf("dispatch: offered %s to %s distance=%.2fkm", o.ID, c.ID, c.DistanceKm)
	return nil
}

// Respond records an agent's answer. Acceptance claims the agent first and
// then assigns the order only if it has no partner yet; a lost race hands
// the agent back and returns orders.ErrAlreadyAssigned. An acceptance that
// arrives after the offer timed out still wins if nobody else has.
func (m *Matcher) Respond(ctx context.Context, orderID, agentID string, accept bool) (*orders.Order, error) {
	off, err := m.Offers.Get(ctx, orderID, agentID)
	if err != nil {
		return nil, err
	}

	if !accept {
		ok, err := m.Offers.Transition(ctx, orderID, agentID, OfferPending, OfferRejected, m.now())
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.DispatchOutcomes.WithLabelValues("rejected").Inc()
			log.Printf("dispatch: %s rejected %s", agentID, orderID)
			m.advanceNow(ctx, orderID, agentID)
		}
		return m.Orders.Get(ctx, orderID)
	}

	if off.Status == OfferRejected {
		return nil, ErrOfferClosed
	}
	o, err := m.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PartnerID == agentID {
		return o, nil
	}
	if o.PartnerID != "" {
		metrics.DispatchOutcomes.WithLabelValues("late").Inc()
		return nil, fmt.Errorf("%w: %s", orders.ErrAlreadyAssigned, orderID)
	}

	a, err := m.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := m.Agents.Claim(ctx, agentID, orderID); err != nil {
		return nil, err
	}
	km := Haversine(a.Location, o.DeliveryAddress.Location)
	eta := ETA(km, m.Config.SpeedKmh, m.Config.PrepTime)

	assigned, err := m.Orders.AssignPartner(ctx, orderID, agentID, km, eta)
	if err != nil {
		if rerr := m.Agents.Release(ctx, agentID, orderID); rerr != nil {
			log.Printf("dispatch: release %s after failed assign of %s: %v", agentID, orderID, rerr)
		}
		if errors.Is(err, orders.ErrAlreadyAssigned) {
			metrics.DispatchOutcomes.WithLabelValues("conflict").Inc()
			log.Printf("dispatch: %s lost %s to another agent", agentID, orderID)
		}
		return nil, err
	}

	m.markAccepted(ctx, orderID, agentID, off.Status)
	metrics.DispatchOutcomes.WithLabelValues("accepted").Inc()
	log.Printf("dispatch: %s assigned to %s distance=%.2fkm eta=%s", orderID, agentID, km, eta)
	return assigned, nil
}

// advanceNow hands the round to the next candidate without waiting for the
// rejected offer's timer.
func (m *Matcher) advanceNow(ctx context.Context, orderID, agentID string) {
	if m.Timers == nil {
		return
	}
	if err := m.Timers.ScheduleOfferCheck(ctx, orderID, agentID, 0); err != nil {
		log.Printf("dispatch: advance %s after rejection by %s: %v", orderID, agentID, err)
	}
}

// markAccepted closes the offer; the order is already assigned so a
// failure here only leaves the audit row behind.
func (m *Matcher) markAccepted(ctx context.Context, orderID, agentID string, from OfferStatus) {
	for i := 0; i < 2; i++ {
		ok, err := m.Offers.Transition(ctx, orderID, agentID, from, OfferAccepted, m.now())
		if err != nil {
			log.Printf("dispatch: mark offer %s/%s accepted: %v", orderID, agentID, err)
			return
		}
		if ok {
			return
		}
		cur, err := m.Offers.Get(ctx, orderID, agentID)
		if err != nil || cur.Status == OfferAccepted {
			return
		}
		from = cur.Status
	}
}
