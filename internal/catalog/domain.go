package catalog

import (
	"errors"
	"time"
)

// Product is a read-only view over the externally provisioned product catalog.
type Product struct {
	ID        int64
	SKU       string
	Barcode   string
	Name      string
	UOM       string
	CreatedAt time.Time
}

// Deposit is a physical warehouse owning its own set of storage positions.
type Deposit struct {
	ID        int64
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// ErrProductNotFound indicates no product matches the lookup key.
var ErrProductNotFound = errors.New("catalog: product not found")

// ErrDepositNotFound indicates no deposit matches the lookup key.
var ErrDepositNotFound = errors.New("catalog: deposit not found")
