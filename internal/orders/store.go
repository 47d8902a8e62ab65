package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyAssigned   = errors.New("order already assigned")
	ErrDuplicate         = errors.New("order already exists")

	// ErrNoop is returned by a Mutate callback to skip the write. Mutate
	// passes it through together with the current order.
	ErrNoop = errors.New("no change")
)

// RefKind selects which provider correlation id to search by.
type RefKind string

const (
	RefProviderOrder RefKind = "order"
	RefPayment       RefKind = "payment"
	RefLink          RefKind = "link"
)

// Store persists order documents. Mutate is the single atomic
// read-modify-write primitive every state change goes through.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	FindByProviderRef(ctx context.Context, kind RefKind, value string) (*Order, error)
	Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Order, error)
	CustomerStats(ctx context.Context, userID string, since time.Time) (CustomerStats, error)
	CreditCustomer(ctx context.Context, userID string, amountCents int) error
}
