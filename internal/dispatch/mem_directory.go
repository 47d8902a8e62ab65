package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
)

type MemDirectory struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	credited map[string]bool // agent/order pairs already paid
}

func NewMemDirectory(agents ...Agent) *MemDirectory {
	d := &MemDirectory{agents: make(map[string]*Agent, len(agents)), credited: make(map[string]bool)}
	for _, a := range agents {
		_ = d.Upsert(context.Background(), a)
	}
	return d
}

func (d *MemDirectory) Upsert(_ context.Context, a Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.Status == "" {
		a.Status = AgentAvailable
	}
	a.UpdatedAt = time.Now().UTC()
	d.agents[a.ID] = &a
	return nil
}

func (d *MemDirectory) Get(_ context.Context, id string) (Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return *a, nil
}

func (d *MemDirectory) Nearby(_ context.Context, at orders.GeoPoint, radiusKm float64) ([]Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Candidate
	for _, a := range d.agents {
		if !a.dispatchable() {
			continue
		}
		if km := Haversine(at, a.Location); km <= radiusKm {
			out = append(out, Candidate{Agent: *a, DistanceKm: km})
		}
	}
	return out, nil
}

func (d *MemDirectory) Claim(_ context.Context, agentID, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Status == AgentBusy && a.CurrentOrderID == orderID {
		return nil
	}
	if !a.dispatchable() {
		return ErrAgentUnavailable
	}
	a.Status = AgentBusy
	a.CurrentOrderID = orderID
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *MemDirectory) Release(_ context.Context, agentID, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if a.CurrentOrderID != orderID {
		return nil
	}
	a.Status = AgentAvailable
	a.CurrentOrderID = ""
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *MemDirectory) CompleteDelivery(_ context.Context, agentID, orderID string, earningCents int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	key := agentID + "/" + orderID
	if d.credited[key] {
		return nil
	}
	d.credited[key] = true
	if a.CurrentOrderID == orderID {
		a.Status = AgentAvailable
		a.CurrentOrderID = ""
	}
	a.Deliveries++
	a.PendingCents += earningCents
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *MemDirectory) UpdateLocation(_ context.Context, agentID string, at orders.GeoPoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	a.Location = at
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *MemDirectory) SetOnline(_ context.Context, agentID string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	a.Online = online
	a.UpdatedAt = time.Now().UTC()
	return nil
}
