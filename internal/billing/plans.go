// Package billing provides the outbound billing entry points: starting a
// subscription, opening the billing portal and listing the plan catalog.
package billing

import (
	"cmp"
	"context"
	"slices"

	"subledger/internal/external"
)

// Plan is a purchasable recurring price joined with its product.
type Plan struct {
	PriceID     string `json:"priceId"`
	ProductID   string `json:"productId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	Currency    string `json:"currency"`
	UnitAmount  int64  `json:"unitAmount"`
	Interval    string `json:"interval,omitempty"`
}

// PlanCatalog reads the active plans from the payment provider.
type PlanCatalog interface {
	ListPlans(ctx context.Context) ([]Plan, error)
}

// PriceLister is the subset of external.PaymentProvider the catalog needs.
type PriceLister interface {
	ListPrices(ctx context.Context) ([]external.Price, error)
	ListProducts(ctx context.Context) ([]external.Product, error)
}

// providerCatalog joins prices onto products on every call. The provider is
// the only source of truth for what is on sale.
type providerCatalog struct {
	provider PriceLister
}

// NewProviderCatalog returns a PlanCatalog backed by the provider's active
// prices and products.
func NewProviderCatalog(provider PriceLister) PlanCatalog {
	return &providerCatalog{provider: provider}
}

// ListPlans returns one Plan per active price, cheapest first. Prices whose
// product is not active are left out.
func (c *providerCatalog) ListPlans(ctx context.Context) ([]Plan, error) {
	prices, err := c.provider.ListPrices(ctx)
	if err != nil {
		return nil, err
	}
	products, err := c.provider.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]external.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	plans := make([]Plan, 0, len(prices))
	for _, price := range prices {
		product, ok := byID[price.ProductID]
		if !ok {
			continue
		}
		plans = append(plans, Plan{
			PriceID:     price.ID,
			ProductID:   product.ID,
			Name:        product.Name,
			Description: product.Description,
			Nickname:    price.Nickname,
			Currency:    price.Currency,
			UnitAmount:  price.UnitAmount,
			Interval:    price.Interval,
		})
	}
	slices.SortStableFunc(plans, func(a, b Plan) int {
		return cmp.Or(cmp.Compare(a.UnitAmount, b.UnitAmount), cmp.Compare(a.PriceID, b.PriceID))
	})
	return plans, nil
}
