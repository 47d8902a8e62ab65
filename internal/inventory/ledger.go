package inventory

import (
	"context"
	"time"
)

type Product struct {
	ID            string    `json:"id" yaml:"id"`
	SKU           string    `json:"sku" yaml:"sku"`
	Name          string    `json:"name" yaml:"name"`
	ImageURL      string    `json:"image_url,omitempty" yaml:"image_url"`
	PriceCents    int       `json:"price_cents" yaml:"price_cents"`
	DiscountCents int       `json:"discount_cents" yaml:"discount_cents"`
	Active        bool      `json:"active" yaml:"active"`
	Stock         Stock     `json:"stock" yaml:"stock"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// Ledger is the only way stock counters change. Every method is atomic per
// call: either all lines apply or none do.
type Ledger interface {
	Get(ctx context.Context, productID string) (Product, error)
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	ReserveAll(ctx context.Context, lines []Line) error
	ReleaseAll(ctx context.Context, lines []Line) error
	CommitAll(ctx context.Context, lines []Line) error
	Restock(ctx context.Context, productID string, qty int) error
}
