package wave

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
	"github.com/meridian-wms/meridian-wms/internal/registry"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for wave reservations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the planner composes.
type TxRepository interface {
	ListWaveDemand(ctx context.Context, waveID uuid.UUID) ([]DemandLine, error)
	ListCandidates(ctx context.Context, productID, depositID int64) ([]Candidate, error)
	ReservePosition(ctx context.Context, positionID int64, waveID uuid.UUID, until time.Time) error
	ReleasePosition(ctx context.Context, positionID int64) error
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
	ReleaseAllocation(ctx context.Context, allocationID int64) error
	AdjustReserved(ctx context.Context, key ledger.LevelKey, delta decimal.Decimal) error
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

const allocationColumns = `id, wave_id, COALESCE(document_id, 0), position_id, product_id, lot, deposit_id, quantity, status, created_at, settled_at`

func collectAllocations(rows pgx.Rows) ([]Allocation, error) {
	defer rows.Close()
	var allocations []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.WaveID, &a.DocumentID, &a.PositionID, &a.ProductID, &a.Lot, &a.DepositID, &a.Quantity, &a.Status, &a.CreatedAt, &a.SettledAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// ListAllocations returns all reservation rows of a wave, oldest first.
func (r *Repository) ListAllocations(ctx context.Context, waveID uuid.UUID) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+allocationColumns+` FROM wave_allocations WHERE wave_id = $1 ORDER BY id`, waveID)
	if err != nil {
		return nil, err
	}
	return collectAllocations(rows)
}

// ListWaveDemand returns the pending outbound lines of every shipping document
// attached to the wave, aggregated per document so the resulting holds stay
// attributable to the document that raised them.
func (t *txRepo) ListWaveDemand(ctx context.Context, waveID uuid.UUID) ([]DemandLine, error) {
	rows, err := t.tx.Query(ctx, `SELECT sd.id, sd.deposit_id, si.product_id, si.lot, SUM(si.quantity)
FROM shipping_items si
JOIN shipping_documents sd ON sd.id = si.document_id
WHERE sd.wave_id = $1 AND sd.status = 'pick_pending'
GROUP BY sd.id, sd.deposit_id, si.product_id, si.lot
ORDER BY sd.id, si.product_id, si.lot`, waveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var demand []DemandLine
	for rows.Next() {
		var line DemandLine
		if err := rows.Scan(&line.DocumentID, &line.DepositID, &line.ProductID, &line.Lot, &line.Quantity); err != nil {
			return nil, err
		}
		demand = append(demand, line)
	}
	return demand, rows.Err()
}

// ListCandidates returns positions holding pickable stock for the product in
// the given deposit; dispatch emits outbound at the document's deposit, so
// stock held elsewhere cannot serve the line. Occupied positions are the
// point: the stock sits on the bound pallet. Only a live hold by some wave
// excludes a position.
func (t *txRepo) ListCandidates(ctx context.Context, productID, depositID int64) ([]Candidate, error) {
	rows, err := t.tx.Query(ctx, `SELECT sp.id, pb.pallet_id, p.product_id, p.lot, p.quantity, p.expires_at, sp.deposit_id
FROM storage_positions sp
JOIN pallet_bindings pb ON pb.position_id = sp.id
JOIN pallets p ON p.id = pb.pallet_id
WHERE sp.active AND sp.deposit_id = $2 AND p.product_id = $1 AND p.quantity > 0
  AND NOT (sp.temporarily_reserved AND sp.reserved_until > NOW())
ORDER BY sp.id`, productID, depositID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.PositionID, &c.PalletID, &c.ProductID, &c.Lot, &c.Quantity, &c.ExpiresAt, &c.DepositID); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (t *txRepo) ReservePosition(ctx context.Context, positionID int64, waveID uuid.UUID, until time.Time) error {
	return registry.ReserveTx(ctx, t.tx, positionID, waveID, until)
}

func (t *txRepo) ReleasePosition(ctx context.Context, positionID int64) error {
	return registry.ReleaseTx(ctx, t.tx, positionID)
}

func (t *txRepo) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO wave_allocations (wave_id, document_id, position_id, product_id, lot, deposit_id, quantity, status, created_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, 'held', NOW())
RETURNING id, created_at`, a.WaveID, a.DocumentID, a.PositionID, a.ProductID, a.Lot, a.DepositID, a.Quantity).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return Allocation{}, err
	}
	a.Status = AllocationHeld
	return a, nil
}

func (t *txRepo) ReleaseAllocation(ctx context.Context, allocationID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE wave_allocations SET status = 'released', settled_at = NOW() WHERE id = $1 AND status = 'held'`, allocationID)
	return err
}

func (t *txRepo) AdjustReserved(ctx context.Context, key ledger.LevelKey, delta decimal.Decimal) error {
	return ledger.AdjustReserved(ctx, t.tx, key, delta)
}

// settleHoldsTx moves held allocations of the wave to the given terminal
// status, gives the reserved quantities back to the projection and clears the
// wave's position holds that no held allocation backs anymore. docID zero
// settles the whole wave; non-zero settles only that document's rows, leaving
// sibling documents' holds in place. Returns the number of settled holds;
// zero on an already-clean scope, which keeps callers idempotent.
func settleHoldsTx(ctx context.Context, q Querier, waveID uuid.UUID, docID int64, status AllocationStatus) (int, error) {
	rows, err := q.Query(ctx, `UPDATE wave_allocations SET status = $2, settled_at = NOW()
WHERE wave_id = $1 AND status = 'held' AND ($3::bigint = 0 OR document_id = $3)
RETURNING `+allocationColumns, waveID, status, docID)
	if err != nil {
		return 0, err
	}
	settled, err := collectAllocations(rows)
	if err != nil {
		return 0, err
	}
	for _, a := range settled {
		key := ledger.LevelKey{ProductID: a.ProductID, Lot: a.Lot, DepositID: a.DepositID}
		if err := ledger.AdjustReserved(ctx, q, key, a.Quantity.Neg()); err != nil {
			return 0, err
		}
	}
	_, err = q.Exec(ctx, `UPDATE storage_positions
SET temporarily_reserved = FALSE, reserved_by_wave = NULL, reserved_until = NULL, updated_at = NOW()
WHERE reserved_by_wave = $1 AND temporarily_reserved
  AND NOT EXISTS (
    SELECT 1 FROM wave_allocations wa
    WHERE wa.position_id = storage_positions.id AND wa.wave_id = $1 AND wa.status = 'held')`, waveID)
	if err != nil {
		return 0, err
	}
	return len(settled), nil
}

// ReleaseWaveTx gives back every live hold of the wave without touching the
// movement ledger. Used by replanning and by the completed-wave sweep.
func ReleaseWaveTx(ctx context.Context, q Querier, waveID uuid.UUID) (int, error) {
	return settleHoldsTx(ctx, q, waveID, 0, AllocationReleased)
}

// ConsumeDocumentTx marks one document's holds consumed. Dispatch composes
// this with its outbound movements in one transaction; the wave's other
// documents keep their holds.
func ConsumeDocumentTx(ctx context.Context, q Querier, waveID uuid.UUID, docID int64) (int, error) {
	return settleHoldsTx(ctx, q, waveID, docID, AllocationConsumed)
}

// ReleaseDocumentTx gives back one document's holds, used by cancellation.
func ReleaseDocumentTx(ctx context.Context, q Querier, waveID uuid.UUID, docID int64) (int, error) {
	return settleHoldsTx(ctx, q, waveID, docID, AllocationReleased)
}

// ReleaseWave is the standalone transactional form of ReleaseWaveTx.
func (r *Repository) ReleaseWave(ctx context.Context, waveID uuid.UUID) (int, error) {
	var released int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		released, err = ReleaseWaveTx(ctx, tx, waveID)
		return err
	})
	return released, err
}

// SweepExpired releases every hold whose deadline has passed. The deadline is
// re-verified inside the row update so the sweep never races an allocation
// that refreshed the hold after the initial read.
func (r *Repository) SweepExpired(ctx context.Context) (int, error) {
	var released int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, reserved_by_wave FROM storage_positions
WHERE temporarily_reserved AND reserved_until <= NOW()
ORDER BY id
FOR UPDATE SKIP LOCKED`)
		if err != nil {
			return err
		}
		type expired struct {
			positionID int64
			waveID     uuid.UUID
		}
		var holds []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.positionID, &e.waveID); err != nil {
				rows.Close()
				return err
			}
			holds = append(holds, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, h := range holds {
			tag, err := tx.Exec(ctx, `UPDATE storage_positions
SET temporarily_reserved = FALSE, reserved_by_wave = NULL, reserved_until = NULL, updated_at = NOW()
WHERE id = $1 AND temporarily_reserved AND reserved_until <= NOW()`, h.positionID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			settled, err := tx.Query(ctx, `UPDATE wave_allocations SET status = 'released', settled_at = NOW()
WHERE wave_id = $1 AND position_id = $2 AND status = 'held'
RETURNING `+allocationColumns, h.waveID, h.positionID)
			if err != nil {
				return err
			}
			allocations, err := collectAllocations(settled)
			if err != nil {
				return err
			}
			for _, a := range allocations {
				key := ledger.LevelKey{ProductID: a.ProductID, Lot: a.Lot, DepositID: a.DepositID}
				if err := ledger.AdjustReserved(ctx, tx, key, a.Quantity.Neg()); err != nil {
					return err
				}
			}
			released++
		}
		return nil
	})
	return released, err
}

// SweepCompleted releases the remaining holds of waves whose shipping
// documents have all reached dispatched or delivered.
func (r *Repository) SweepCompleted(ctx context.Context) (int, error) {
	var released int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT DISTINCT wa.wave_id FROM wave_allocations wa
WHERE wa.status = 'held'
  AND EXISTS (SELECT 1 FROM shipping_documents sd WHERE sd.wave_id = wa.wave_id)
  AND NOT EXISTS (
    SELECT 1 FROM shipping_documents sd
    WHERE sd.wave_id = wa.wave_id AND sd.status NOT IN ('dispatched', 'delivered'))`)
		if err != nil {
			return err
		}
		var waves []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			waves = append(waves, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, waveID := range waves {
			n, err := ReleaseWaveTx(ctx, tx, waveID)
			if err != nil {
				return err
			}
			released += n
		}
		return nil
	})
	return released, err
}

func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTx(ctx, r.pool, fn)
}
