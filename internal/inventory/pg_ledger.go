package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGLedger struct{ DB *pgxpool.Pool }

const productColumns = `id, sku, name, image_url, price_cents, discount_cents, active, stock, reserved, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.ImageURL, &p.PriceCents, &p.DiscountCents,
		&p.Active, &p.Stock.Stock, &p.Stock.Reserved, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (l *PGLedger) Get(ctx context.Context, productID string) (Product, error) {
	p, err := scanProduct(l.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (l *PGLedger) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := l.DB.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ReserveAll locks every product row (FOR UPDATE), checks availability and
// bumps reserved. Any shortage rolls the whole tx back.
func (l *PGLedger) ReserveAll(ctx context.Context, lines []Line) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lines = merge(lines)
	var short []Shortage
	for _, it := range lines {
		if it.Qty <= 0 {
			return ErrInvalidQuantity
		}
		var (
			name            string
			stock, reserved int
		)
		err := tx.QueryRow(ctx, `SELECT name, stock, reserved FROM products WHERE id=$1 FOR UPDATE`, it.ProductID).
			Scan(&name, &stock, &reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}
		if err != nil {
			return err
		}
		if stock-reserved < it.Qty {
			short = append(short, Shortage{ProductID: it.ProductID, Name: name, Required: it.Qty, Available: stock - reserved})
			continue
		}

		ct, err := tx.Exec(ctx, `UPDATE products SET reserved = reserved + $2, updated_at = now()
			WHERE id=$1 AND stock - reserved >= $2`, it.ProductID, it.Qty)
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			short = append(short, Shortage{ProductID: it.ProductID, Name: name, Required: it.Qty, Available: stock - reserved})
		}
	}

	if len(short) > 0 {
		return &ShortageError{Details: short} // rollback via defer
	}
	return tx.Commit(ctx)
}

func (l *PGLedger) ReleaseAll(ctx context.Context, lines []Line) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, it := range merge(lines) {
		if it.Qty <= 0 {
			return ErrInvalidQuantity
		}
		if _, err := tx.Exec(ctx, `UPDATE products SET reserved = GREATEST(reserved - $2, 0), updated_at = now()
			WHERE id=$1`, it.ProductID, it.Qty); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (l *PGLedger) CommitAll(ctx context.Context, lines []Line) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, it := range merge(lines) {
		if it.Qty <= 0 {
			return ErrInvalidQuantity
		}
		ct, err := tx.Exec(ctx, `UPDATE products
			SET stock = stock - $2, reserved = GREATEST(reserved - $2, 0), updated_at = now()
			WHERE id=$1 AND stock >= $2`, it.ProductID, it.Qty)
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			var stock int
			_ = tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, it.ProductID).Scan(&stock)
			return &ShortageError{Details: []Shortage{{ProductID: it.ProductID, Required: it.Qty, Available: stock}}}
		}
	}
	return tx.Commit(ctx)
}

func (l *PGLedger) Restock(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ct, err := l.DB.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrProductNotFound
	}
	return nil
}
