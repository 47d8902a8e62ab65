package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps each order as a JSONB document plus the columns the
// queries filter on. Mutate locks the row (FOR UPDATE) for the duration of
// the callback.
type PGStore struct{ DB *pgxpool.Pool }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PGStore) Insert(ctx context.Context, o *Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(id, idempotency_key, user_id, status, payment_method, payment_status,
			provider_order_id, provider_payment_id, provider_link_id, expires_at,
			delivery_partner_id, total_cents, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, nullable(o.IdempotencyKey), o.UserID, o.Status, o.PaymentMethod, o.PaymentStatus,
		nullable(o.Provider.OrderID), nullable(o.Provider.PaymentID), nullable(o.Provider.LinkID), o.ExpiresAt,
		nullable(o.PartnerID), o.TotalCents, doc, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanDoc(row pgx.Row) (*Order, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var o Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func (r *PGStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanDoc(r.DB.QueryRow(ctx, `SELECT doc FROM orders WHERE id=$1`, id))
}

func (r *PGStore) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return scanDoc(r.DB.QueryRow(ctx, `SELECT doc FROM orders WHERE idempotency_key=$1`, key))
}

func (r *PGStore) FindByProviderRef(ctx context.Context, kind RefKind, value string) (*Order, error) {
	var col string
	switch kind {
	case RefProviderOrder:
		col = "provider_order_id"
	case RefPayment:
		col = "provider_payment_id"
	case RefLink:
		col = "provider_link_id"
	default:
		return nil, fmt.Errorf("unknown ref kind %q", kind)
	}
	return scanDoc(r.DB.QueryRow(ctx, `SELECT doc FROM orders WHERE `+col+`=$1`, value))
}

func (r *PGStore) Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := scanDoc(tx.QueryRow(ctx, `SELECT doc FROM orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		if errors.Is(err, ErrNoop) {
			return o, err
		}
		return nil, err
	}

	doc, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, provider_order_id=$4, provider_payment_id=$5,
			provider_link_id=$6, expires_at=$7, delivery_partner_id=$8, doc=$9, updated_at=$10
		WHERE id=$1`,
		o.ID, o.Status, o.PaymentStatus, nullable(o.Provider.OrderID), nullable(o.Provider.PaymentID),
		nullable(o.Provider.LinkID), o.ExpiresAt, nullable(o.PartnerID), doc, o.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PGStore) ListExpired(ctx context.Context, now time.Time) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT doc FROM orders
		WHERE status='pending' AND payment_method='prepaid' AND payment_status IN ('pending','failed')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *PGStore) CustomerStats(ctx context.Context, userID string, since time.Time) (CustomerStats, error) {
	var st CustomerStats
	err := r.DB.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE payment_method='cod'),
		       count(*) FILTER (WHERE status='cancelled'),
		       count(*) FILTER (WHERE created_at >= $2)
		FROM orders WHERE user_id=$1`, userID, since).
		Scan(&st.TotalOrders, &st.CODOrders, &st.CancelledOrders, &st.RecentOrders)
	return st, err
}

func (r *PGStore) CreditCustomer(ctx context.Context, userID string, amountCents int) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO customers(user_id, lifetime_cents, completed_orders)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET lifetime_cents = customers.lifetime_cents + EXCLUDED.lifetime_cents,
		    completed_orders = customers.completed_orders + 1`, userID, amountCents)
	return err
}
