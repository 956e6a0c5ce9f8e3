package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so movement appends
// can run inside the allocator's and the state machines' transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for the stock ledger and
// its derived projection.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	ApplyMovement(ctx context.Context, m Movement) (Movement, error)
	AdjustReserved(ctx context.Context, key LevelKey, delta decimal.Decimal) error
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

func (t *txRepo) ApplyMovement(ctx context.Context, m Movement) (Movement, error) {
	return ApplyMovement(ctx, t.tx, m)
}

func (t *txRepo) AdjustReserved(ctx context.Context, key LevelKey, delta decimal.Decimal) error {
	return AdjustReserved(ctx, t.tx, key, delta)
}

// ApplyMovement appends one immutable movement row and maintains the level
// row under a row lock. The pair commits or fails together with whatever
// transaction the caller is running.
func ApplyMovement(ctx context.Context, q Querier, m Movement) (Movement, error) {
	if err := m.Validate(); err != nil {
		return Movement{}, err
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	key := LevelKey{ProductID: m.ProductID, Lot: m.Lot, DepositID: m.DepositID}

	if _, err := q.Exec(ctx, `INSERT INTO stock_levels (product_id, lot, deposit_id, quantity_current, quantity_reserved, average_value, updated_at)
VALUES ($1, $2, $3, 0, 0, 0, NOW())
ON CONFLICT (product_id, lot, deposit_id) DO NOTHING`, key.ProductID, key.Lot, key.DepositID); err != nil {
		return Movement{}, err
	}

	var current, average decimal.Decimal
	err := q.QueryRow(ctx, `SELECT quantity_current, average_value FROM stock_levels
WHERE product_id = $1 AND lot = $2 AND deposit_id = $3 FOR UPDATE`, key.ProductID, key.Lot, key.DepositID).
		Scan(&current, &average)
	if err != nil {
		return Movement{}, err
	}

	next, nextAverage := applyToLevel(current, average, m)
	if next.Sign() < 0 {
		return Movement{}, &InsufficientStockError{Key: key, Current: current, Requested: m.Quantity}
	}

	err = q.QueryRow(ctx, `INSERT INTO stock_movements (movement_type, product_id, lot, deposit_id, quantity, unit_value, occurred_at, reference_type, reference_id, actor, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
RETURNING id, created_at`,
		string(m.Type), m.ProductID, m.Lot, m.DepositID, m.Quantity, m.UnitValue, m.OccurredAt, m.ReferenceType, m.ReferenceID, m.Actor).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Movement{}, err
	}

	_, err = q.Exec(ctx, `UPDATE stock_levels
SET quantity_current = $4, average_value = $5, updated_at = NOW()
WHERE product_id = $1 AND lot = $2 AND deposit_id = $3`,
		key.ProductID, key.Lot, key.DepositID, next, nextAverage)
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

// AdjustReserved moves the reserved quantity of a level by delta. Positive
// deltas claim stock for a wave, negative deltas release the claim.
func AdjustReserved(ctx context.Context, q Querier, key LevelKey, delta decimal.Decimal) error {
	if delta.Sign() == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `INSERT INTO stock_levels (product_id, lot, deposit_id, quantity_current, quantity_reserved, average_value, updated_at)
VALUES ($1, $2, $3, 0, GREATEST($4::numeric, 0), 0, NOW())
ON CONFLICT (product_id, lot, deposit_id)
DO UPDATE SET quantity_reserved = GREATEST(stock_levels.quantity_reserved + $4, 0), updated_at = NOW()`,
		key.ProductID, key.Lot, key.DepositID, delta)
	return err
}

// GetLevel returns the projection for a key. A key with no row folds to zero.
func (r *Repository) GetLevel(ctx context.Context, key LevelKey) (Projection, error) {
	p := Projection{LevelKey: key}
	err := r.pool.QueryRow(ctx, `SELECT quantity_current, quantity_reserved, average_value, updated_at FROM stock_levels
WHERE product_id = $1 AND lot = $2 AND deposit_id = $3`, key.ProductID, key.Lot, key.DepositID).
		Scan(&p.QuantityCurrent, &p.QuantityReserved, &p.AverageValue, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return Projection{}, err
	}
	return p, nil
}

// ListMovements returns the ledger rows for a key, oldest first.
func (r *Repository) ListMovements(ctx context.Context, key LevelKey, limit int) ([]Movement, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, movement_type, product_id, lot, deposit_id, quantity, unit_value, occurred_at, reference_type, reference_id, actor, created_at
FROM stock_movements
WHERE product_id = $1 AND lot = $2 AND deposit_id = $3
ORDER BY id
LIMIT $4`, key.ProductID, key.Lot, key.DepositID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	var movements []Movement
	for rows.Next() {
		var m Movement
		var typ string
		if err := rows.Scan(&m.ID, &typ, &m.ProductID, &m.Lot, &m.DepositID, &m.Quantity, &m.UnitValue, &m.OccurredAt, &m.ReferenceType, &m.ReferenceID, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = MovementType(typ)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// Refresh rebuilds every level from the movement fold plus the active wave
// claims. It runs in one repeatable-read transaction so concurrent appends see
// either the old or the new projection, never a half-rebuilt one.
func (r *Repository) Refresh(ctx context.Context) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id, movement_type, product_id, lot, deposit_id, quantity, unit_value, occurred_at, reference_type, reference_id, actor, created_at
FROM stock_movements ORDER BY id`)
	if err != nil {
		return err
	}
	movements, err := collectMovements(rows)
	if err != nil {
		return err
	}
	levels := FoldMovements(movements)

	reserved := make(map[LevelKey]decimal.Decimal)
	resRows, err := tx.Query(ctx, `SELECT product_id, lot, deposit_id, SUM(quantity)
FROM wave_allocations WHERE status = 'held' GROUP BY product_id, lot, deposit_id`)
	if err != nil {
		return err
	}
	for resRows.Next() {
		var key LevelKey
		var qty decimal.Decimal
		if err := resRows.Scan(&key.ProductID, &key.Lot, &key.DepositID, &qty); err != nil {
			resRows.Close()
			return err
		}
		reserved[key] = qty
	}
	resRows.Close()
	if err := resRows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM stock_levels`); err != nil {
		return err
	}
	for key, level := range levels {
		if _, err := tx.Exec(ctx, `INSERT INTO stock_levels (product_id, lot, deposit_id, quantity_current, quantity_reserved, average_value, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
			key.ProductID, key.Lot, key.DepositID, level.QuantityCurrent, reserved[key], level.AverageValue); err != nil {
			return err
		}
		delete(reserved, key)
	}
	for key, qty := range reserved {
		if _, err := tx.Exec(ctx, `INSERT INTO stock_levels (product_id, lot, deposit_id, quantity_current, quantity_reserved, average_value, updated_at)
VALUES ($1, $2, $3, 0, $4, 0, NOW())`, key.ProductID, key.Lot, key.DepositID, qty); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Verify compares every projected level against the ledger fold, one deposit
// at a time in parallel, and returns the disagreements.
func (r *Repository) Verify(ctx context.Context) ([]Violation, error) {
	depRows, err := r.pool.Query(ctx, `SELECT DISTINCT deposit_id FROM stock_movements`)
	if err != nil {
		return nil, err
	}
	var deposits []int64
	for depRows.Next() {
		var id int64
		if err := depRows.Scan(&id); err != nil {
			depRows.Close()
			return nil, err
		}
		deposits = append(deposits, id)
	}
	depRows.Close()
	if err := depRows.Err(); err != nil {
		return nil, err
	}

	results := make([][]Violation, len(deposits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, depositID := range deposits {
		g.Go(func() error {
			violations, err := r.verifyDeposit(gctx, depositID)
			if err != nil {
				return err
			}
			results[i] = violations
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []Violation
	for _, violations := range results {
		all = append(all, violations...)
	}
	return all, nil
}

func (r *Repository) verifyDeposit(ctx context.Context, depositID int64) ([]Violation, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.product_id, m.lot, m.deposit_id, SUM(m.quantity) AS ledger_qty,
COALESCE(l.quantity_current, 0) AS projected_qty
FROM stock_movements m
LEFT JOIN stock_levels l ON l.product_id = m.product_id AND l.lot = m.lot AND l.deposit_id = m.deposit_id
WHERE m.deposit_id = $1
GROUP BY m.product_id, m.lot, m.deposit_id, l.quantity_current`, depositID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var violations []Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.Key.ProductID, &v.Key.Lot, &v.Key.DepositID, &v.LedgerQuantity, &v.ProjectedQuantity); err != nil {
			return nil, err
		}
		if !v.LedgerQuantity.Equal(v.ProjectedQuantity) {
			violations = append(violations, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return violations, nil
}
