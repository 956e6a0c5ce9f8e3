package shipping

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
	"github.com/meridian-wms/meridian-wms/internal/wave"
)

// Repository provides PostgreSQL backed persistence for shipping documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations of the state machine.
// Dispatch and cancellation compose status change, ledger rows and wave
// settlement in one transaction: they fully commit or fully fail.
type TxRepository interface {
	GetDocumentForUpdate(ctx context.Context, docID int64) (Document, error)
	UpdateStatus(ctx context.Context, docID int64, from, to Status) (bool, error)
	SetApproval(ctx context.Context, docID int64, approval ApprovalStatus) error
	InsertHistory(ctx context.Context, entry HistoryEntry) error
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	InsertItem(ctx context.Context, item Item) (Item, error)
	ListItems(ctx context.Context, docID int64) ([]Item, error)
	ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error)
	ConsumeDocumentHolds(ctx context.Context, waveID uuid.UUID, docID int64) (int, error)
	ReleaseDocumentHolds(ctx context.Context, waveID uuid.UUID, docID int64) (int, error)
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

const documentColumns = `id, number, deposit_id, wave_id, customer, status, approval_status, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Number, &d.DepositID, &d.WaveID, &d.Customer, &d.Status, &d.Approval, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// GetDocument loads one document.
func (r *Repository) GetDocument(ctx context.Context, docID int64) (Document, error) {
	return scanDocument(r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM shipping_documents WHERE id = $1`, docID))
}

// ListDocuments returns documents, optionally filtered by status, newest first.
func (r *Repository) ListDocuments(ctx context.Context, status Status) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM shipping_documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 200`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

type itemQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listItems(ctx context.Context, q itemQuerier, docID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, document_id, product_id, lot, quantity, unit_value
FROM shipping_items WHERE document_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.DocumentID, &it.ProductID, &it.Lot, &it.Quantity, &it.UnitValue); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListItems returns the document's lines.
func (r *Repository) ListItems(ctx context.Context, docID int64) ([]Item, error) {
	return listItems(ctx, r.pool, docID)
}

// ListHistory returns the transition trail, oldest first.
func (r *Repository) ListHistory(ctx context.Context, docID int64) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, previous_status, new_status, actor, notes, occurred_at
FROM shipping_status_history WHERE document_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.PreviousStatus, &e.NewStatus, &e.Actor, &e.Notes, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *txRepo) GetDocumentForUpdate(ctx context.Context, docID int64) (Document, error) {
	return scanDocument(t.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM shipping_documents WHERE id = $1 FOR UPDATE`, docID))
}

// UpdateStatus is the compare-and-set step: the WHERE clause pins the expected
// current status so a concurrent transition affects zero rows.
func (t *txRepo) UpdateStatus(ctx context.Context, docID int64, from, to Status) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE shipping_documents SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = $2`, docID, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) SetApproval(ctx context.Context, docID int64, approval ApprovalStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE shipping_documents SET approval_status = $2, updated_at = NOW() WHERE id = $1`, docID, approval)
	return err
}

func (t *txRepo) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO shipping_status_history (document_id, previous_status, new_status, actor, notes, occurred_at)
VALUES ($1, $2, $3, $4, $5, NOW())`, entry.DocumentID, entry.PreviousStatus, entry.NewStatus, entry.Actor, entry.Notes)
	return err
}

func (t *txRepo) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO shipping_documents (number, deposit_id, wave_id, customer, status, approval_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
RETURNING id, created_at, updated_at`, doc.Number, doc.DepositID, doc.WaveID, doc.Customer, doc.Status, doc.Approval).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (Item, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO shipping_items (document_id, product_id, lot, quantity, unit_value)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`, item.DocumentID, item.ProductID, item.Lot, item.Quantity, item.UnitValue).
		Scan(&item.ID)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (t *txRepo) ListItems(ctx context.Context, docID int64) ([]Item, error) {
	return listItems(ctx, t.tx, docID)
}

func (t *txRepo) ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	return ledger.ApplyMovement(ctx, t.tx, m)
}

func (t *txRepo) ConsumeDocumentHolds(ctx context.Context, waveID uuid.UUID, docID int64) (int, error) {
	return wave.ConsumeDocumentTx(ctx, t.tx, waveID, docID)
}

func (t *txRepo) ReleaseDocumentHolds(ctx context.Context, waveID uuid.UUID, docID int64) (int, error) {
	return wave.ReleaseDocumentTx(ctx, t.tx, waveID, docID)
}
