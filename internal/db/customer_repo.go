package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// CustomerRepository provides data access for the customers table.
type CustomerRepository struct {
	db DBTX
}

// NewCustomerRepository creates a new CustomerRepository.
func NewCustomerRepository(db DBTX) *CustomerRepository {
	return &CustomerRepository{db: db}
}

const customerColumns = `id, app_id, email, user_id, provider_customer_id, name, phone,
	address_line1, address_line2, address_city, address_state, address_postal_code, address_country,
	created_at, updated_at`

func scanCustomer(row pgx.Row) (*types.Customer, error) {
	var (
		c                                          types.Customer
		providerID, name, phone                    *string
		line1, line2, city, state, postal, country *string
	)
	if err := row.Scan(
		&c.ID, &c.AppID, &c.Email, &c.UserID, &providerID, &name, &phone,
		&line1, &line2, &city, &state, &postal, &country,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.ProviderCustomerID = derefString(providerID)
	c.Name = derefString(name)
	c.Phone = derefString(phone)
	c.Address = types.Address{
		Line1:      derefString(line1),
		Line2:      derefString(line2),
		City:       derefString(city),
		State:      derefString(state),
		PostalCode: derefString(postal),
		Country:    derefString(country),
	}
	return &c, nil
}

// Upsert creates or merges the customer for (appID, email). Each non-empty
// patch field overwrites the stored value; empty fields keep it. A second
// row for the same key is never created. UserID is required because the
// insert arm must satisfy the NOT NULL constraint.
func (r *CustomerRepository) Upsert(ctx context.Context, appID, email string, patch types.CustomerPatch) (*types.Customer, error) {
	if patch.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "customer upsert requires a user id", nil)
	}
	c, err := scanCustomer(r.db.QueryRow(ctx,
		`INSERT INTO customers (id, app_id, email, user_id, provider_customer_id, name, phone,
		     address_line1, address_line2, address_city, address_state, address_postal_code, address_country)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (app_id, email) DO UPDATE SET
		     user_id = COALESCE(EXCLUDED.user_id, customers.user_id),
		     provider_customer_id = COALESCE(EXCLUDED.provider_customer_id, customers.provider_customer_id),
		     name = COALESCE(EXCLUDED.name, customers.name),
		     phone = COALESCE(EXCLUDED.phone, customers.phone),
		     address_line1 = COALESCE(EXCLUDED.address_line1, customers.address_line1),
		     address_line2 = COALESCE(EXCLUDED.address_line2, customers.address_line2),
		     address_city = COALESCE(EXCLUDED.address_city, customers.address_city),
		     address_state = COALESCE(EXCLUDED.address_state, customers.address_state),
		     address_postal_code = COALESCE(EXCLUDED.address_postal_code, customers.address_postal_code),
		     address_country = COALESCE(EXCLUDED.address_country, customers.address_country),
		     updated_at = NOW()
		 RETURNING `+customerColumns,
		"cus_"+uuid.New().String(), appID, NormalizeEmail(email), patch.UserID,
		nilIfEmpty(patch.ProviderCustomerID), nilIfEmpty(patch.Name), nilIfEmpty(patch.Phone),
		nilIfEmpty(patch.Address.Line1), nilIfEmpty(patch.Address.Line2), nilIfEmpty(patch.Address.City),
		nilIfEmpty(patch.Address.State), nilIfEmpty(patch.Address.PostalCode), nilIfEmpty(patch.Address.Country),
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert customer", err)
	}
	return c, nil
}

// FindByEmail returns the customer for (appID, email).
func (r *CustomerRepository) FindByEmail(ctx context.Context, appID, email string) (*types.Customer, error) {
	return r.findOne(ctx, `WHERE app_id = $1 AND email = $2`, appID, NormalizeEmail(email))
}

// FindByProviderID returns the customer carrying the provider customer id.
func (r *CustomerRepository) FindByProviderID(ctx context.Context, providerCustomerID string) (*types.Customer, error) {
	return r.findOne(ctx, `WHERE provider_customer_id = $1 ORDER BY created_at LIMIT 1`, providerCustomerID)
}

func (r *CustomerRepository) findOne(ctx context.Context, where string, args ...any) (*types.Customer, error) {
	c, err := scanCustomer(r.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "customer not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find customer", err)
	}
	return c, nil
}
