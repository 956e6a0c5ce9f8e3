package receiving

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/allocation"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for receiving documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations of the state machine.
// The status update and its history row always land in the same transaction.
type TxRepository interface {
	GetDocumentForUpdate(ctx context.Context, docID int64) (Document, error)
	UpdateStatus(ctx context.Context, docID int64, from, to Status) (bool, error)
	InsertHistory(ctx context.Context, entry HistoryEntry) error
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	InsertItem(ctx context.Context, item Item) (Item, error)
	InsertPallet(ctx context.Context, p allocation.Pallet) (allocation.Pallet, error)
	ListPallets(ctx context.Context, docID int64) ([]allocation.Pallet, error)
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

const documentColumns = `id, number, deposit_id, supplier, status, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Number, &d.DepositID, &d.Supplier, &d.Status, &d.CreatedAt, &d.UpdatedAt)
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
	return scanDocument(r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM receiving_documents WHERE id = $1`, docID))
}

// ListDocuments returns documents, optionally filtered by status, newest first.
func (r *Repository) ListDocuments(ctx context.Context, status Status) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM receiving_documents`
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

// ListItems returns the document's expected lines.
func (r *Repository) ListItems(ctx context.Context, docID int64) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, product_id, lot, quantity, unit_value, expires_at
FROM receiving_items WHERE document_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.DocumentID, &it.ProductID, &it.Lot, &it.Quantity, &it.UnitValue, &it.ExpiresAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListHistory returns the transition trail, oldest first.
func (r *Repository) ListHistory(ctx context.Context, docID int64) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, previous_status, new_status, actor, notes, occurred_at
FROM receiving_status_history WHERE document_id = $1 ORDER BY id`, docID)
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

// ListPallets returns the document's pallets.
func (r *Repository) ListPallets(ctx context.Context, docID int64) ([]allocation.Pallet, error) {
	return listPallets(ctx, r.pool, docID)
}

type palletQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listPallets(ctx context.Context, q palletQuerier, docID int64) ([]allocation.Pallet, error) {
	rows, err := q.Query(ctx, `SELECT id, code, document_id, product_id, lot, quantity, unit_value, expires_at, deposit_id, stocked, created_at
FROM pallets WHERE document_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pallets []allocation.Pallet
	for rows.Next() {
		var p allocation.Pallet
		if err := rows.Scan(&p.ID, &p.Code, &p.DocumentID, &p.ProductID, &p.Lot, &p.Quantity, &p.UnitValue, &p.ExpiresAt, &p.DepositID, &p.Stocked, &p.CreatedAt); err != nil {
			return nil, err
		}
		pallets = append(pallets, p)
	}
	return pallets, rows.Err()
}

func (t *txRepo) GetDocumentForUpdate(ctx context.Context, docID int64) (Document, error) {
	return scanDocument(t.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM receiving_documents WHERE id = $1 FOR UPDATE`, docID))
}

// UpdateStatus is the compare-and-set step: the WHERE clause pins the expected
// current status so a concurrent transition affects zero rows.
func (t *txRepo) UpdateStatus(ctx context.Context, docID int64, from, to Status) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE receiving_documents SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = $2`, docID, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO receiving_status_history (document_id, previous_status, new_status, actor, notes, occurred_at)
VALUES ($1, $2, $3, $4, $5, NOW())`, entry.DocumentID, entry.PreviousStatus, entry.NewStatus, entry.Actor, entry.Notes)
	return err
}

func (t *txRepo) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO receiving_documents (number, deposit_id, supplier, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
RETURNING id, created_at, updated_at`, doc.Number, doc.DepositID, doc.Supplier, doc.Status).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (Item, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO receiving_items (document_id, product_id, lot, quantity, unit_value, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, item.DocumentID, item.ProductID, item.Lot, item.Quantity, item.UnitValue, item.ExpiresAt).
		Scan(&item.ID)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (t *txRepo) InsertPallet(ctx context.Context, p allocation.Pallet) (allocation.Pallet, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO pallets (code, document_id, product_id, lot, quantity, unit_value, expires_at, deposit_id, stocked, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NOW())
RETURNING id, created_at`, p.Code, p.DocumentID, p.ProductID, p.Lot, p.Quantity, p.UnitValue, p.ExpiresAt, p.DepositID).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return allocation.Pallet{}, err
	}
	return p, nil
}

func (t *txRepo) ListPallets(ctx context.Context, docID int64) ([]allocation.Pallet, error) {
	return listPallets(ctx, t.tx, docID)
}
