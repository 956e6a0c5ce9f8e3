package count

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for count sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations of the count engine.
type TxRepository interface {
	GetSessionForUpdate(ctx context.Context, sessionID int64) (Session, error)
	InsertSession(ctx context.Context, s Session) (Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID int64, from, to SessionStatus) (bool, error)
	IncrementCounted(ctx context.Context, sessionID int64) (Session, error)
	GetTaskForUpdate(ctx context.Context, sessionID, positionID int64) (Task, error)
	InsertTask(ctx context.Context, t Task) error
	ClaimTask(ctx context.Context, sessionID, positionID int64, actor string) (bool, error)
	CompleteTask(ctx context.Context, sessionID, positionID int64) (bool, error)
	SystemQuantity(ctx context.Context, key ledger.LevelKey) (ledger.Projection, error)
	QuantityInOtherLots(ctx context.Context, productID, depositID int64, lot string) (decimal.Decimal, error)
	InsertScan(ctx context.Context, s Scan) (Scan, error)
	InsertDivergence(ctx context.Context, d Divergence) (Divergence, error)
	GetDivergenceForUpdate(ctx context.Context, divergenceID int64) (Divergence, error)
	UpdateDivergence(ctx context.Context, d Divergence) error
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

const sessionColumns = `id, number, deposit_id, status, total_positions, counted_positions, created_at, completed_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Number, &s.DepositID, &s.Status, &s.TotalPositions, &s.CountedPositions, &s.CreatedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession loads one session.
func (r *Repository) GetSession(ctx context.Context, sessionID int64) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM count_sessions WHERE id = $1`, sessionID))
}

// ListSessions returns sessions newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM count_sessions ORDER BY created_at DESC LIMIT 100`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListTasks returns the session's position tasks.
func (r *Repository) ListTasks(ctx context.Context, sessionID int64) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT session_id, position_id, status, counted_by, started_at, completed_at
FROM count_position_tasks WHERE session_id = $1 ORDER BY position_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.SessionID, &t.PositionID, &t.Status, &t.CountedBy, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const divergenceColumns = `id, session_id, position_id, product_id, lot, quantity_found, quantity_system, difference, classification, justification, value_impact, status, created_at`

func scanDivergence(row pgx.Row) (Divergence, error) {
	var d Divergence
	err := row.Scan(&d.ID, &d.SessionID, &d.PositionID, &d.ProductID, &d.Lot, &d.QuantityFound, &d.QuantitySystem,
		&d.Difference, &d.Classification, &d.Justification, &d.ValueImpact, &d.Status, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Divergence{}, ErrDivergenceNotFound
	}
	if err != nil {
		return Divergence{}, err
	}
	return d, nil
}

// ListDivergences returns the session's divergences.
func (r *Repository) ListDivergences(ctx context.Context, sessionID int64) ([]Divergence, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+divergenceColumns+` FROM count_divergences WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var divergences []Divergence
	for rows.Next() {
		d, err := scanDivergence(rows)
		if err != nil {
			return nil, err
		}
		divergences = append(divergences, d)
	}
	return divergences, rows.Err()
}

func (t *txRepo) GetDivergenceForUpdate(ctx context.Context, divergenceID int64) (Divergence, error) {
	return scanDivergence(t.tx.QueryRow(ctx, `SELECT `+divergenceColumns+` FROM count_divergences WHERE id = $1 FOR UPDATE`, divergenceID))
}

func (t *txRepo) UpdateDivergence(ctx context.Context, d Divergence) error {
	_, err := t.tx.Exec(ctx, `UPDATE count_divergences SET status = $2, justification = $3 WHERE id = $1`, d.ID, d.Status, d.Justification)
	return err
}

func (t *txRepo) ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	return ledger.ApplyMovement(ctx, t.tx, m)
}

func (t *txRepo) GetSessionForUpdate(ctx context.Context, sessionID int64) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM count_sessions WHERE id = $1 FOR UPDATE`, sessionID))
}

func (t *txRepo) InsertSession(ctx context.Context, s Session) (Session, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO count_sessions (number, deposit_id, status, total_positions, counted_positions, created_at)
VALUES ($1, $2, $3, $4, 0, NOW())
RETURNING id, created_at`, s.Number, s.DepositID, s.Status, s.TotalPositions).
		Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (t *txRepo) UpdateSessionStatus(ctx context.Context, sessionID int64, from, to SessionStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE count_sessions SET status = $3,
completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END
WHERE id = $1 AND status = $2`, sessionID, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) IncrementCounted(ctx context.Context, sessionID int64) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `UPDATE count_sessions SET counted_positions = counted_positions + 1
WHERE id = $1
RETURNING `+sessionColumns, sessionID))
}

func (t *txRepo) GetTaskForUpdate(ctx context.Context, sessionID, positionID int64) (Task, error) {
	var task Task
	err := t.tx.QueryRow(ctx, `SELECT session_id, position_id, status, counted_by, started_at, completed_at
FROM count_position_tasks WHERE session_id = $1 AND position_id = $2 FOR UPDATE`, sessionID, positionID).
		Scan(&task.SessionID, &task.PositionID, &task.Status, &task.CountedBy, &task.StartedAt, &task.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (t *txRepo) InsertTask(ctx context.Context, task Task) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO count_position_tasks (session_id, position_id, status, counted_by)
VALUES ($1, $2, $3, '')`, task.SessionID, task.PositionID, task.Status)
	return err
}

// ClaimTask is the compare-and-set start: only a pending row flips, so two
// operators claiming the same position produce exactly one winner.
func (t *txRepo) ClaimTask(ctx context.Context, sessionID, positionID int64, actor string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE count_position_tasks
SET status = 'in_progress', counted_by = $3, started_at = NOW()
WHERE session_id = $1 AND position_id = $2 AND status = 'pending'`, sessionID, positionID, actor)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) CompleteTask(ctx context.Context, sessionID, positionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE count_position_tasks
SET status = 'completed', completed_at = NOW()
WHERE session_id = $1 AND position_id = $2 AND status = 'in_progress'`, sessionID, positionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SystemQuantity snapshots the projection bucket inside the scan transaction.
func (t *txRepo) SystemQuantity(ctx context.Context, key ledger.LevelKey) (ledger.Projection, error) {
	projection := ledger.Projection{LevelKey: key}
	err := t.tx.QueryRow(ctx, `SELECT quantity_current, quantity_reserved, average_value, updated_at
FROM stock_levels WHERE product_id = $1 AND lot = $2 AND deposit_id = $3`, key.ProductID, key.Lot, key.DepositID).
		Scan(&projection.QuantityCurrent, &projection.QuantityReserved, &projection.AverageValue, &projection.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return projection, nil
	}
	if err != nil {
		return ledger.Projection{}, err
	}
	return projection, nil
}

func (t *txRepo) QuantityInOtherLots(ctx context.Context, productID, depositID int64, lot string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_current), 0)
FROM stock_levels WHERE product_id = $1 AND deposit_id = $2 AND lot <> $3`, productID, depositID, lot).
		Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (t *txRepo) InsertScan(ctx context.Context, s Scan) (Scan, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO count_item_scans (session_id, position_id, barcode, product_id, lot, quantity_found, quantity_system, scanned_by, scanned_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
RETURNING id, scanned_at`, s.SessionID, s.PositionID, s.Barcode, s.ProductID, s.Lot, s.QuantityFound, s.QuantitySystem, s.ScannedBy).
		Scan(&s.ID, &s.At)
	if err != nil {
		return Scan{}, err
	}
	return s, nil
}

func (t *txRepo) InsertDivergence(ctx context.Context, d Divergence) (Divergence, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO count_divergences (session_id, position_id, product_id, lot, quantity_found, quantity_system, difference, classification, justification, value_impact, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, 'open', NOW())
RETURNING id, created_at`, d.SessionID, d.PositionID, d.ProductID, d.Lot, d.QuantityFound, d.QuantitySystem, d.Difference, d.Classification, d.ValueImpact).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return Divergence{}, err
	}
	d.Status = DivergenceOpen
	return d, nil
}
