package inventory

import (
	"context"
	"sync"
	"time"
)

// MemLedger keeps products in process memory. Used by tests and STORAGE=memory.
type MemLedger struct {
	mu       sync.Mutex
	products map[string]*Product
}

func NewMemLedger(products ...Product) *MemLedger {
	l := &MemLedger{products: make(map[string]*Product, len(products))}
	for _, p := range products {
		l.Put(p)
	}
	return l
}

// Put inserts or replaces a product.
func (l *MemLedger) Put(p Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	l.products[p.ID] = &p
}

func (l *MemLedger) Get(_ context.Context, productID string) (Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return *p, nil
}

func (l *MemLedger) Products(_ context.Context, ids []string) (map[string]Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if p, ok := l.products[id]; ok {
			out[id] = *p
		}
	}
	return out, nil
}

func (l *MemLedger) ReserveAll(_ context.Context, lines []Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines = merge(lines)

	var short []Shortage
	for _, it := range lines {
		p, ok := l.products[it.ProductID]
		if !ok {
			return ErrProductNotFound
		}
		if it.Qty <= 0 {
			return ErrInvalidQuantity
		}
		if p.Stock.Available() < it.Qty {
			short = append(short, Shortage{ProductID: p.ID, Name: p.Name, Required: it.Qty, Available: p.Stock.Available()})
		}
	}
	if len(short) > 0 {
		return &ShortageError{Details: short}
	}
	for _, it := range lines {
		p := l.products[it.ProductID]
		_ = p.Stock.Reserve(it.Qty)
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (l *MemLedger) ReleaseAll(_ context.Context, lines []Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range merge(lines) {
		p, ok := l.products[it.ProductID]
		if !ok {
			continue
		}
		if err := p.Stock.Release(it.Qty); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (l *MemLedger) CommitAll(_ context.Context, lines []Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines = merge(lines)

	// validate first so a failing line leaves every counter untouched
	for _, it := range lines {
		p, ok := l.products[it.ProductID]
		if !ok {
			return ErrProductNotFound
		}
		if it.Qty <= 0 {
			return ErrInvalidQuantity
		}
		if p.Stock.Stock < it.Qty {
			return &ShortageError{Details: []Shortage{{ProductID: p.ID, Name: p.Name, Required: it.Qty, Available: p.Stock.Stock}}}
		}
	}
	for _, it := range lines {
		p := l.products[it.ProductID]
		_ = p.Stock.Commit(it.Qty)
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (l *MemLedger) Restock(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock.Stock += qty
	p.UpdatedAt = time.Now().UTC()
	return nil
}
