// Package product is the catalog domain: the product model, the store of
// record and the cached read/write service built on the caching core.
package product

import (
	"errors"
	"time"
)

// Product is a catalog entry. Prices are stored in cents so no float
// arithmetic touches money.
type Product struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku" validate:"required,max=64"`
	Name        string    `json:"name" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=2000"`
	Category    string    `json:"category" validate:"required,max=100"`
	PriceCents  int64     `json:"price_cents" validate:"gte=0"`
	Stock       int       `json:"stock" validate:"gte=0"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	// ErrNotFound is returned when no product exists for the given ID.
	ErrNotFound = errors.New("product not found")
	// ErrDuplicateSKU is returned when a create collides with an existing SKU.
	ErrDuplicateSKU = errors.New("sku already exists")
)
