package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order at startup. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id             TEXT PRIMARY KEY,
		sku            TEXT NOT NULL DEFAULT '',
		name           TEXT NOT NULL,
		image_url      TEXT NOT NULL DEFAULT '',
		price_cents    INTEGER NOT NULL CHECK (price_cents >= 0),
		discount_cents INTEGER NOT NULL DEFAULT 0 CHECK (discount_cents >= 0),
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		stock          INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		reserved       INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                  TEXT PRIMARY KEY,
		idempotency_key     TEXT,
		user_id             TEXT NOT NULL,
		status              TEXT NOT NULL,
		payment_method      TEXT NOT NULL,
		payment_status      TEXT NOT NULL,
		provider_order_id   TEXT,
		provider_payment_id TEXT,
		provider_link_id    TEXT,
		expires_at          TIMESTAMPTZ,
		delivery_partner_id TEXT,
		total_cents         INTEGER NOT NULL,
		doc                 JSONB NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_idempotency_key_uq ON orders(idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_provider_order_uq ON orders(provider_order_id) WHERE provider_order_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_provider_payment_uq ON orders(provider_payment_id) WHERE provider_payment_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_provider_link_uq ON orders(provider_link_id) WHERE provider_link_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS orders_expiry_idx ON orders(expires_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS orders_user_idx ON orders(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS customers (
		user_id          TEXT PRIMARY KEY,
		lifetime_cents   BIGINT NOT NULL DEFAULT 0,
		completed_orders INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		phone            TEXT NOT NULL DEFAULT '',
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		online           BOOLEAN NOT NULL DEFAULT FALSE,
		status           TEXT NOT NULL DEFAULT 'available',
		lat              DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon              DOUBLE PRECISION NOT NULL DEFAULT 0,
		rating           DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_order_id TEXT,
		deliveries       INTEGER NOT NULL DEFAULT 0,
		pending_cents    BIGINT NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS agents_geo_idx ON agents(lat, lon) WHERE active AND online AND status = 'available'`,
	`CREATE TABLE IF NOT EXISTS agent_earnings (
		agent_id     TEXT NOT NULL REFERENCES agents(id),
		order_id     TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (agent_id, order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_offers (
		order_id     TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		status       TEXT NOT NULL,
		distance_km  DOUBLE PRECISION NOT NULL,
		offered_at   TIMESTAMPTZ NOT NULL,
		responded_at TIMESTAMPTZ,
		round_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (order_id, agent_id)
	)`,
	`ALTER TABLE dispatch_offers ADD COLUMN IF NOT EXISTS round_at TIMESTAMPTZ NOT NULL DEFAULT now()`,
}

// Migrate creates the tables and indexes the stores expect.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema step %d: %w", i, err)
		}
	}
	return nil
}
