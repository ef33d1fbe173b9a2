package reconcile

import (
	"context"

	"github.com/go-playground/validator/v10"

	"subledger/internal/types"
)

// Resolver maps (email, tenant) pairs onto local User and Customer rows.
type Resolver struct {
	users     UserStore
	customers CustomerStore
	validate  *validator.Validate
}

func NewResolver(users UserStore, customers CustomerStore) *Resolver {
	return &Resolver{users: users, customers: customers, validate: validator.New()}
}

func (r *Resolver) checkEmail(email string) error {
	if email == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "email is required", nil)
	}
	if err := r.validate.Var(email, "email"); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidEmail, "email is not a valid address", err)
	}
	return nil
}

// ResolveOrCreateUser upserts the user for (email, appID). An empty
// displayName keeps the stored one.
func (r *Resolver) ResolveOrCreateUser(ctx context.Context, email, appID, displayName string) (*types.User, error) {
	if err := r.checkEmail(email); err != nil {
		return nil, err
	}
	return r.users.Upsert(ctx, appID, email, displayName)
}

// ResolveOrCreateCustomer upserts the customer for (email, appID), merging
// the non-empty patch fields. When patch.UserID is empty the user must
// already exist.
func (r *Resolver) ResolveOrCreateCustomer(ctx context.Context, email, appID string, patch types.CustomerPatch) (*types.Customer, error) {
	if err := r.checkEmail(email); err != nil {
		return nil, err
	}
	if patch.UserID == "" {
		u, err := r.users.FindByEmail(ctx, appID, email)
		if err != nil {
			return nil, err
		}
		patch.UserID = u.ID
	}
	return r.customers.Upsert(ctx, appID, email, patch)
}

// ResolveExisting returns the pre-existing user and customer for
// (email, appID) without creating either. The user is checked first.
func (r *Resolver) ResolveExisting(ctx context.Context, email, appID string) (*types.User, *types.Customer, error) {
	if err := r.checkEmail(email); err != nil {
		return nil, nil, err
	}
	u, err := r.users.FindByEmail(ctx, appID, email)
	if err != nil {
		return nil, nil, err
	}
	c, err := r.customers.FindByEmail(ctx, appID, email)
	if err != nil {
		return nil, nil, err
	}
	return u, c, nil
}
