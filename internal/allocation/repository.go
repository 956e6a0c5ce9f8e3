package allocation

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
	"github.com/meridian-wms/meridian-wms/internal/registry"
)

// Repository provides PostgreSQL backed persistence for pallet bindings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the allocator composes.
// Binding writes, occupancy flips and ledger appends run in one transaction:
// a precondition violation rolls back everything, leaving no partial state.
type TxRepository interface {
	GetPalletForUpdate(ctx context.Context, palletID int64) (Pallet, error)
	GetBindingForUpdate(ctx context.Context, palletID int64) (PalletBinding, error)
	InsertBinding(ctx context.Context, binding PalletBinding) (PalletBinding, error)
	UpdateBindingPosition(ctx context.Context, bindingID, positionID int64, notes string) error
	DeleteBinding(ctx context.Context, bindingID int64) error
	MarkPalletStocked(ctx context.Context, palletID int64) error
	MovePalletDeposit(ctx context.Context, palletID, depositID int64) error

	GetPosition(ctx context.Context, positionID int64) (registry.StoragePosition, error)
	OccupyPosition(ctx context.Context, positionID int64) error
	FreePosition(ctx context.Context, positionID int64) error

	ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetBinding loads the binding for a pallet outside a transaction.
func (r *Repository) GetBinding(ctx context.Context, palletID int64) (PalletBinding, error) {
	return scanBinding(r.pool.QueryRow(ctx, bindingQuery+` WHERE pallet_id = $1`, palletID))
}

const bindingQuery = `SELECT id, pallet_id, position_id, allocated_at, allocated_by, notes FROM pallet_bindings`

func scanBinding(row pgx.Row) (PalletBinding, error) {
	var b PalletBinding
	err := row.Scan(&b.ID, &b.PalletID, &b.PositionID, &b.AllocatedAt, &b.AllocatedBy, &b.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return PalletBinding{}, ErrBindingNotFound
	}
	if err != nil {
		return PalletBinding{}, err
	}
	return b, nil
}

const palletColumns = `id, code, document_id, product_id, lot, quantity, unit_value, expires_at, deposit_id, stocked, created_at`

func scanPallet(row pgx.Row) (Pallet, error) {
	var p Pallet
	err := row.Scan(&p.ID, &p.Code, &p.DocumentID, &p.ProductID, &p.Lot, &p.Quantity, &p.UnitValue, &p.ExpiresAt, &p.DepositID, &p.Stocked, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Pallet{}, ErrPalletNotFound
	}
	if err != nil {
		return Pallet{}, err
	}
	return p, nil
}

func (t *txRepo) GetPalletForUpdate(ctx context.Context, palletID int64) (Pallet, error) {
	return scanPallet(t.tx.QueryRow(ctx, `SELECT `+palletColumns+` FROM pallets WHERE id = $1 FOR UPDATE`, palletID))
}

func (t *txRepo) GetBindingForUpdate(ctx context.Context, palletID int64) (PalletBinding, error) {
	return scanBinding(t.tx.QueryRow(ctx, bindingQuery+` WHERE pallet_id = $1 FOR UPDATE`, palletID))
}

func (t *txRepo) InsertBinding(ctx context.Context, binding PalletBinding) (PalletBinding, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO pallet_bindings (pallet_id, position_id, allocated_at, allocated_by, notes)
VALUES ($1, $2, NOW(), $3, $4)
RETURNING id, allocated_at`, binding.PalletID, binding.PositionID, binding.AllocatedBy, binding.Notes).
		Scan(&binding.ID, &binding.AllocatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PalletBinding{}, &BoundError{PalletID: binding.PalletID, PositionID: binding.PositionID}
		}
		return PalletBinding{}, err
	}
	return binding, nil
}

func (t *txRepo) UpdateBindingPosition(ctx context.Context, bindingID, positionID int64, notes string) error {
	_, err := t.tx.Exec(ctx, `UPDATE pallet_bindings SET position_id = $2, allocated_at = NOW(), notes = $3 WHERE id = $1`, bindingID, positionID, notes)
	return err
}

func (t *txRepo) DeleteBinding(ctx context.Context, bindingID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM pallet_bindings WHERE id = $1`, bindingID)
	return err
}

func (t *txRepo) MarkPalletStocked(ctx context.Context, palletID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE pallets SET stocked = TRUE WHERE id = $1`, palletID)
	return err
}

func (t *txRepo) MovePalletDeposit(ctx context.Context, palletID, depositID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE pallets SET deposit_id = $2 WHERE id = $1`, palletID, depositID)
	return err
}

func (t *txRepo) GetPosition(ctx context.Context, positionID int64) (registry.StoragePosition, error) {
	return registry.GetPositionTx(ctx, t.tx, positionID)
}

func (t *txRepo) OccupyPosition(ctx context.Context, positionID int64) error {
	return registry.OccupyTx(ctx, t.tx, positionID)
}

func (t *txRepo) FreePosition(ctx context.Context, positionID int64) error {
	return registry.FreeTx(ctx, t.tx, positionID)
}

func (t *txRepo) ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	return ledger.ApplyMovement(ctx, t.tx, m)
}
