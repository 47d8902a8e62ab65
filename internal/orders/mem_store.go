package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type customer struct {
	lifetimeCents int
	completed     int
}

// MemStore is the in-process Store. One mutex guards every document, which
// makes Mutate trivially atomic.
type MemStore struct {
	mu        sync.Mutex
	orders    map[string]*Order
	customers map[string]*customer
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:    make(map[string]*Order),
		customers: make(map[string]*customer),
	}
}

func (m *MemStore) Insert(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	for _, ex := range m.orders {
		if o.IdempotencyKey != "" && ex.IdempotencyKey == o.IdempotencyKey {
			return ErrDuplicate
		}
		if refClash(ex.Provider, o.Provider) {
			return ErrDuplicate
		}
	}
	m.orders[o.ID] = o.clone()
	return nil
}

func refClash(a, b ProviderRefs) bool {
	return (a.OrderID != "" && a.OrderID == b.OrderID) ||
		(a.PaymentID != "" && a.PaymentID == b.PaymentID) ||
		(a.LinkID != "" && a.LinkID == b.LinkID)
}

func (m *MemStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (m *MemStore) GetByIdempotencyKey(_ context.Context, key string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if key != "" && o.IdempotencyKey == key {
			return o.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) FindByProviderRef(_ context.Context, kind RefKind, value string) (*Order, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		var v string
		switch kind {
		case RefProviderOrder:
			v = o.Provider.OrderID
		case RefPayment:
			v = o.Provider.PaymentID
		case RefLink:
			v = o.Provider.LinkID
		}
		if v == value {
			return o.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) Mutate(_ context.Context, id string, fn func(o *Order) error) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	work := cur.clone()
	if err := fn(work); err != nil {
		if errors.Is(err, ErrNoop) {
			return cur.clone(), err
		}
		return nil, err
	}
	m.orders[id] = work
	return work.clone(), nil
}

func (m *MemStore) ListExpired(_ context.Context, now time.Time) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if expired(o, now) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

// expired is the sweep predicate shared by the stores and the cancel guard.
func expired(o *Order, now time.Time) bool {
	return o.Status == StatusPending &&
		o.PaymentMethod == PaymentPrepaid &&
		(o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed) &&
		o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

func (m *MemStore) CustomerStats(_ context.Context, userID string, since time.Time) (CustomerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st CustomerStats
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		st.TotalOrders++
		if o.PaymentMethod == PaymentCOD {
			st.CODOrders++
		}
		if o.Status == StatusCancelled {
			st.CancelledOrders++
		}
		if !o.CreatedAt.Before(since) {
			st.RecentOrders++
		}
	}
	return st, nil
}

func (m *MemStore) CreditCustomer(_ context.Context, userID string, amountCents int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[userID]
	if !ok {
		c = &customer{}
		m.customers[userID] = c
	}
	c.lifetimeCents += amountCents
	c.completed++
	return nil
}

// Lifetime returns the customer's spend and completed-order counters.
func (m *MemStore) Lifetime(userID string) (cents, completed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.customers[userID]; ok {
		return c.lifetimeCents, c.completed
	}
	return 0, 0
}
