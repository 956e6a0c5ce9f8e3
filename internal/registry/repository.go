package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the registry's
// compare-and-set statements can run standalone or inside a caller's
// transaction (the allocator and the state machines compose them that way).
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for storage positions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const positionColumns = `id, code, deposit_id, active, occupied, temporarily_reserved, reserved_by_wave, reserved_until, updated_at`

func scanPosition(row pgx.Row) (StoragePosition, error) {
	var p StoragePosition
	var wave *uuid.UUID
	err := row.Scan(&p.ID, &p.Code, &p.DepositID, &p.Active, &p.Occupied, &p.TemporarilyReserved, &wave, &p.ReservedUntil, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoragePosition{}, ErrPositionNotFound
	}
	if err != nil {
		return StoragePosition{}, err
	}
	if wave != nil {
		p.ReservedByWave = *wave
	}
	return p, nil
}

// GetPosition loads a position by id.
func (r *Repository) GetPosition(ctx context.Context, id int64) (StoragePosition, error) {
	return GetPositionTx(ctx, r.pool, id)
}

// GetPositionTx loads a position using the supplied querier.
func GetPositionTx(ctx context.Context, q Querier, id int64) (StoragePosition, error) {
	return scanPosition(q.QueryRow(ctx, `SELECT `+positionColumns+` FROM storage_positions WHERE id = $1`, id))
}

// GetPositionForUpdate locks the row for the remainder of the transaction.
func GetPositionForUpdate(ctx context.Context, q Querier, id int64) (StoragePosition, error) {
	return scanPosition(q.QueryRow(ctx, `SELECT `+positionColumns+` FROM storage_positions WHERE id = $1 FOR UPDATE`, id))
}

// ListByDeposit returns all positions of a deposit ordered by code.
func (r *Repository) ListByDeposit(ctx context.Context, depositID int64) ([]StoragePosition, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+positionColumns+` FROM storage_positions WHERE deposit_id = $1 ORDER BY code`, depositID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []StoragePosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// ReserveTemporary places a wave hold on the position. The WHERE clause is the
// whole eligibility check: a losing concurrent caller affects zero rows and
// receives a typed rejection, never a silently stale write.
func (r *Repository) ReserveTemporary(ctx context.Context, positionID int64, waveID uuid.UUID, ttl time.Duration) error {
	return ReserveTx(ctx, r.pool, positionID, waveID, time.Now().UTC().Add(ttl))
}

// ReserveTx is the transactional form of ReserveTemporary.
func ReserveTx(ctx context.Context, q Querier, positionID int64, waveID uuid.UUID, until time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE storage_positions
SET temporarily_reserved = TRUE, reserved_by_wave = $2, reserved_until = $3, updated_at = NOW()
WHERE id = $1 AND active
  AND NOT (temporarily_reserved AND reserved_until > NOW())`, positionID, waveID, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return unavailable(ctx, q, positionID)
	}
	return nil
}

// ReleaseReservation clears the hold regardless of which wave placed it.
// Releasing an unheld position is a no-op, which keeps the sweeps idempotent.
func (r *Repository) ReleaseReservation(ctx context.Context, positionID int64) error {
	return ReleaseTx(ctx, r.pool, positionID)
}

// ReleaseTx is the transactional form of ReleaseReservation.
func ReleaseTx(ctx context.Context, q Querier, positionID int64) error {
	_, err := q.Exec(ctx, `UPDATE storage_positions
SET temporarily_reserved = FALSE, reserved_by_wave = NULL, reserved_until = NULL, updated_at = NOW()
WHERE id = $1 AND temporarily_reserved`, positionID)
	return err
}

// MarkOccupied flips the position to occupied. Fails when the slot is taken
// or held by a wave. The pallet link itself is the binding row, owned by the
// allocator and written in the same transaction.
func (r *Repository) MarkOccupied(ctx context.Context, positionID int64) error {
	return OccupyTx(ctx, r.pool, positionID)
}

// OccupyTx is the transactional form of MarkOccupied.
func OccupyTx(ctx context.Context, q Querier, positionID int64) error {
	tag, err := q.Exec(ctx, `UPDATE storage_positions
SET occupied = TRUE, updated_at = NOW()
WHERE id = $1 AND active AND NOT occupied
  AND NOT (temporarily_reserved AND reserved_until > NOW())`, positionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return unavailable(ctx, q, positionID)
	}
	return nil
}

// MarkFree clears the occupancy flag. No-op when already free.
func (r *Repository) MarkFree(ctx context.Context, positionID int64) error {
	return FreeTx(ctx, r.pool, positionID)
}

// FreeTx is the transactional form of MarkFree.
func FreeTx(ctx context.Context, q Querier, positionID int64) error {
	_, err := q.Exec(ctx, `UPDATE storage_positions
SET occupied = FALSE, updated_at = NOW()
WHERE id = $1 AND occupied`, positionID)
	return err
}

// unavailable re-reads the row to report the state that beat the caller.
func unavailable(ctx context.Context, q Querier, positionID int64) error {
	pos, err := GetPositionTx(ctx, q, positionID)
	if err != nil {
		return err
	}
	return NewUnavailableError(positionID, pos.State(time.Now().UTC()))
}
