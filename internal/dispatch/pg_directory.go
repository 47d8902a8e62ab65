package dispatch

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGDirectory struct{ DB *pgxpool.Pool }

const agentColumns = `id, name, phone, active, online, status, lat, lon, rating, coalesce(current_order_id,''), deliveries, pending_cents, updated_at`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.Phone, &a.Active, &a.Online, &a.Status,
		&a.Location.Lat, &a.Location.Lon, &a.Rating, &a.CurrentOrderID, &a.Deliveries, &a.PendingCents, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	return a, err
}

func (d *PGDirectory) Upsert(ctx context.Context, a Agent) error {
	if a.Status == "" {
		a.Status = AgentAvailable
	}
	_, err := d.DB.Exec(ctx, `
		INSERT INTO agents(id, name, phone, active, online, status, lat, lon, rating, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, phone=EXCLUDED.phone, active=EXCLUDED.active, online=EXCLUDED.online,
		    lat=EXCLUDED.lat, lon=EXCLUDED.lon, rating=EXCLUDED.rating, updated_at=now()`,
		a.ID, a.Name, a.Phone, a.Active, a.Online, a.Status, a.Location.Lat, a.Location.Lon, a.Rating)
	return err
}

func (d *PGDirectory) Get(ctx context.Context, id string) (Agent, error) {
	return scanAgent(d.DB.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
}

// Nearby prefilters on a bounding box and keeps the exact radius check in Go.
func (d *PGDirectory) Nearby(ctx context.Context, at orders.GeoPoint, radiusKm float64) ([]Candidate, error) {
	b := boundingBox(at, radiusKm)
	rows, err := d.DB.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE active AND online AND status='available'
		  AND lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4
		ORDER BY rating DESC`, b.minLat, b.maxLat, b.minLon, b.maxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if km := Haversine(at, a.Location); km <= radiusKm {
			out = append(out, Candidate{Agent: a, DistanceKm: km})
		}
	}
	return out, rows.Err()
}

// Claim is a single guarded UPDATE: only one order can win an available agent.
func (d *PGDirectory) Claim(ctx context.Context, agentID, orderID string) error {
	tag, err := d.DB.Exec(ctx, `
		UPDATE agents SET status='busy', current_order_id=$2, updated_at=now()
		WHERE id=$1 AND (
		  (active AND online AND status='available') OR
		  (status='busy' AND current_order_id=$2))`, agentID, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := d.Get(ctx, agentID); err != nil {
		return err
	}
	return ErrAgentUnavailable
}

func (d *PGDirectory) Release(ctx context.Context, agentID, orderID string) error {
	_, err := d.DB.Exec(ctx, `
		UPDATE agents SET status='available', current_order_id=NULL, updated_at=now()
		WHERE id=$1 AND current_order_id=$2`, agentID, orderID)
	return err
}

// CompleteDelivery frees the agent and books the earning in one tx. The
// earnings row is keyed by order so a repeated call credits nothing.
func (d *PGDirectory) CompleteDelivery(ctx context.Context, agentID, orderID string, earningCents int) error {
	tx, err := d.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO agent_earnings(agent_id, order_id, amount_cents, status, created_at)
		VALUES ($1,$2,$3,'pending', now())
		ON CONFLICT (agent_id, order_id) DO NOTHING`, agentID, orderID, earningCents)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE agents
		SET status = CASE WHEN current_order_id=$2 THEN 'available' ELSE status END,
		    current_order_id = CASE WHEN current_order_id=$2 THEN NULL ELSE current_order_id END,
		    deliveries = deliveries + 1,
		    pending_cents = pending_cents + $3,
		    updated_at = now()
		WHERE id=$1`, agentID, orderID, earningCents); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *PGDirectory) UpdateLocation(ctx context.Context, agentID string, at orders.GeoPoint) error {
	tag, err := d.DB.Exec(ctx, `UPDATE agents SET lat=$2, lon=$3, updated_at=now() WHERE id=$1`, agentID, at.Lat, at.Lon)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (d *PGDirectory) SetOnline(ctx context.Context, agentID string, online bool) error {
	tag, err := d.DB.Exec(ctx, `UPDATE agents SET online=$2, updated_at=now() WHERE id=$1`, agentID, online)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}
