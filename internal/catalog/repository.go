package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides read-only access to the product and deposit catalogs.
// The tables are provisioned by the surrounding application; the engine never
// mutates them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct returns a product by id.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	return r.scanProduct(ctx, `SELECT id, sku, barcode, name, uom, created_at FROM products WHERE id = $1`, id)
}

// GetProductByBarcode resolves a product from a scanned barcode.
func (r *Repository) GetProductByBarcode(ctx context.Context, barcode string) (Product, error) {
	return r.scanProduct(ctx, `SELECT id, sku, barcode, name, uom, created_at FROM products WHERE barcode = $1`, barcode)
}

func (r *Repository) scanProduct(ctx context.Context, query string, arg any) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, query, arg).Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.UOM, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// GetDeposit returns a deposit by id.
func (r *Repository) GetDeposit(ctx context.Context, id int64) (Deposit, error) {
	var d Deposit
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active, created_at FROM deposits WHERE id = $1`, id).
		Scan(&d.ID, &d.Code, &d.Name, &d.Active, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Deposit{}, ErrDepositNotFound
	}
	if err != nil {
		return Deposit{}, err
	}
	return d, nil
}

// ListDeposits returns the active deposits.
func (r *Repository) ListDeposits(ctx context.Context) ([]Deposit, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, active, created_at FROM deposits WHERE active ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deposits []Deposit
	for rows.Next() {
		var d Deposit
		if err := rows.Scan(&d.ID, &d.Code, &d.Name, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deposits, nil
}
