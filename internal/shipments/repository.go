package shipments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for shipments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const shipmentColumns = `id, reference, owner_id, origin, destination, department, status, notes, created_at, updated_at`

func scanShipment(row pgx.Row) (Shipment, error) {
	var sh Shipment
	err := row.Scan(&sh.ID, &sh.Reference, &sh.OwnerID, &sh.Origin, &sh.Destination,
		&sh.Department, &sh.Status, &sh.Notes, &sh.CreatedAt, &sh.UpdatedAt)
	return sh, err
}

// Create inserts a new shipment in DRAFT status.
func (r *Repository) Create(ctx context.Context, sh Shipment) (Shipment, error) {
	const q = `
INSERT INTO shipments (reference, owner_id, origin, destination, department, status, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + shipmentColumns

	created, err := scanShipment(r.pool.QueryRow(ctx, q,
		sh.Reference, sh.OwnerID, sh.Origin, sh.Destination, sh.Department, sh.Status, sh.Notes))
	if err != nil {
		return Shipment{}, mapError(err)
	}
	return created, nil
}

// Get fetches a shipment by id.
func (r *Repository) Get(ctx context.Context, id int64) (Shipment, error) {
	sh, err := scanShipment(r.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if err != nil {
		return Shipment{}, mapError(err)
	}
	return sh, nil
}

// OwnerOf returns the owner of a shipment. Used by the ownership checker.
func (r *Repository) OwnerOf(ctx context.Context, id int64) (int64, error) {
	var ownerID int64
	err := r.pool.QueryRow(ctx, `SELECT owner_id FROM shipments WHERE id = $1`, id).Scan(&ownerID)
	if err != nil {
		return 0, mapError(err)
	}
	return ownerID, nil
}

// List returns shipments ordered by creation, newest first, with the total
// count for pagination.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Shipment, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM shipments`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+shipmentColumns+` FROM shipments ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sh)
	}
	return out, total, rows.Err()
}

// UpdateStatus transitions the shipment status.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status ShipmentStatus) (Shipment, error) {
	const q = `
UPDATE shipments SET status = $2, updated_at = now()
WHERE id = $1
RETURNING ` + shipmentColumns

	sh, err := scanShipment(r.pool.QueryRow(ctx, q, id, status))
	if err != nil {
		return Shipment{}, mapError(err)
	}
	return sh, nil
}

// Delete removes a shipment.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM shipments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return httpx.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return httpx.ErrDuplicate
	}
	return err
}
