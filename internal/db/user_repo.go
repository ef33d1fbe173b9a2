package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// UserRepository provides data access for the users table.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, app_id, email, display_name, created_at, updated_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u    types.User
		name *string
	)
	if err := row.Scan(&u.ID, &u.AppID, &u.Email, &name, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.DisplayName = derefString(name)
	return &u, nil
}

// Upsert returns the user for (appID, email), creating it when absent. A
// non-empty displayName overwrites the stored one; an empty one keeps it.
func (r *UserRepository) Upsert(ctx context.Context, appID, email, displayName string) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`INSERT INTO users (id, app_id, email, display_name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (app_id, email) DO UPDATE
		   SET display_name = COALESCE(EXCLUDED.display_name, users.display_name),
		       updated_at = NOW()
		 RETURNING `+userColumns,
		"usr_"+uuid.New().String(), appID, NormalizeEmail(email), nilIfEmpty(displayName),
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert user", err)
	}
	return u, nil
}

// FindByEmail returns the user for (appID, email).
func (r *UserRepository) FindByEmail(ctx context.Context, appID, email string) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE app_id = $1 AND email = $2`,
		appID, NormalizeEmail(email),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find user", err)
	}
	return u, nil
}

// GetByID returns the user with the given id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	return u, nil
}
