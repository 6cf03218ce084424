package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
)

var (
	// ErrUserNotFound signals that the profile does not exist.
	ErrUserNotFound = apperr.New(apperr.KindNotFound, "user not found")
)

// Repository handles profile lookups for authenticated callers.
type Repository interface {
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetUserByID retrieves a profile by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const selectSQL = `
		SELECT id::text, email, full_name, role, created_at
		FROM profiles
		WHERE id = $1
	`

	var (
		user User
		role string
	)
	err := r.pool.QueryRow(ctx, selectSQL, userID).Scan(&user.ID, &user.Email, &user.FullName, &role, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}
	user.Role = Role(role)

	return user, nil
}
