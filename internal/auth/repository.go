package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// Repository persists authentication state.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	CreateSession(ctx context.Context, sessionID string, userID int64, expiresAt time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	const q = `
SELECT id, email, name, password_hash, is_active, created_at, updated_at
FROM users
WHERE lower(email) = lower($1)`

	var u User
	err := r.pool.QueryRow(ctx, q, email).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, httpx.ErrNotFound
		}
		return User{}, fmt.Errorf("auth: find by email: %w", err)
	}
	return u, nil
}

func (r *pgRepository) CreateSession(ctx context.Context, sessionID string, userID int64, expiresAt time.Time) error {
	const q = `
INSERT INTO sessions (id, user_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at`

	if _, err := r.pool.Exec(ctx, q, sessionID, userID, expiresAt); err != nil {
		return fmt.Errorf("auth: create session: %w", err)
	}
	return nil
}

func (r *pgRepository) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	return nil
}
