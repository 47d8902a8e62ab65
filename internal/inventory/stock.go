package inventory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrProductNotFound   = errors.New("product not found")
	ErrProductInactive   = errors.New("product inactive")
)

// Stock is the counter pair kept on every product. available = Stock - Reserved.
type Stock struct {
	Stock    int `json:"stock" yaml:"stock"`
	Reserved int `json:"reserved" yaml:"reserved"`
}

func (s Stock) Available() int { return s.Stock - s.Reserved }

// Reserve holds qty units against an unconfirmed order.
func (s *Stock) Reserve(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Available() < qty {
		return ErrInsufficientStock
	}
	s.Reserved += qty
	return nil
}

// Release gives back a reservation. Over-release clamps at zero.
func (s *Stock) Release(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	s.Reserved -= qty
	if s.Reserved < 0 {
		s.Reserved = 0
	}
	return nil
}

// Commit permanently deducts qty and drops the matching reservation.
func (s *Stock) Commit(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Stock < qty {
		return ErrInsufficientStock
	}
	s.Stock -= qty
	s.Reserved -= qty
	if s.Reserved < 0 {
		s.Reserved = 0
	}
	return nil
}

// Line is one product/quantity pair of an order.
type Line struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Shortage describes one line that could not be reserved.
type Shortage struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// ShortageError lists every short line of a failed ReserveAll. It matches
// ErrInsufficientStock with errors.Is.
type ShortageError struct {
	Details []Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		label := d.ProductID
		if d.Name != "" {
			label = d.Name
		}
		parts = append(parts, fmt.Sprintf("%s (required %d, available %d)", label, d.Required, d.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *ShortageError) Is(target error) bool { return target == ErrInsufficientStock }

// merge folds duplicate product lines together so each product is locked once.
func merge(lines []Line) []Line {
	idx := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Qty += l.Qty
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}
