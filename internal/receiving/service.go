package receiving

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/meridian-wms/meridian-wms/internal/allocation"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, docID int64) (Document, error)
	ListDocuments(ctx context.Context, status Status) ([]Document, error)
	ListItems(ctx context.Context, docID int64) ([]Item, error)
	ListHistory(ctx context.Context, docID int64) ([]HistoryEntry, error)
	ListPallets(ctx context.Context, docID int64) ([]allocation.Pallet, error)
}

// AllocatorPort is the slice of the pallet allocator confirmation needs.
type AllocatorPort interface {
	CompleteAllocationAndCreateStock(ctx context.Context, palletID, positionID int64, notes string) (allocation.PalletBinding, error)
}

// NumberPort issues document numbers.
type NumberPort interface {
	Next(ctx context.Context, scope string) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the inbound document lifecycle. Confirmation is the only
// point where pallets get bound and the ledger records inbound stock.
type Service struct {
	repo      RepositoryPort
	allocator AllocatorPort
	numbers   NumberPort
	audit     AuditPort
	logger    *slog.Logger
}

// NewService builds Service. Numbers and audit may be nil.
func NewService(repo RepositoryPort, allocator AllocatorPort, numbers NumberPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, allocator: allocator, numbers: numbers, audit: audit, logger: logger}
}

// CreateDocument registers an inbound document with its expected items.
func (s *Service) CreateDocument(ctx context.Context, doc Document, items []Item) (Document, error) {
	if doc.DepositID == 0 || len(items) == 0 {
		return Document{}, shared.ErrInvalidInput
	}
	doc.Status = StatusAwaitingTransport
	if s.numbers != nil && doc.Number == "" {
		number, err := s.numbers.Next(ctx, "REC")
		if err != nil {
			return Document{}, err
		}
		doc.Number = number
	}
	actor := shared.ActorFromContext(ctx)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.InsertDocument(ctx, doc)
		if err != nil {
			return err
		}
		for _, item := range items {
			item.DocumentID = doc.ID
			if _, err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
		}
		return tx.InsertHistory(ctx, HistoryEntry{
			DocumentID: doc.ID,
			NewStatus:  StatusAwaitingTransport,
			Actor:      actor,
			Notes:      "registered",
		})
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "receiving.create", doc.ID, string(doc.Status))
	return doc, nil
}

// Transition moves the document along the adjacency list and appends the
// history row in the same transaction. A concurrent transition loses the
// compare-and-set and gets an InvalidTransitionError carrying the state that
// beat it.
func (s *Service) Transition(ctx context.Context, docID int64, newStatus Status, notes string) (Document, error) {
	if !ValidStatus(newStatus) {
		return Document{}, shared.ErrInvalidInput
	}
	actor := shared.ActorFromContext(ctx)
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = s.move(ctx, tx, docID, newStatus, actor, notes)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "receiving.transition", docID, string(newStatus))
	return doc, nil
}

// move performs the compare-and-set transition plus its history row. Callers
// run it inside their own transaction.
func (s *Service) move(ctx context.Context, tx TxRepository, docID int64, newStatus Status, actor, notes string) (Document, error) {
	doc, err := tx.GetDocumentForUpdate(ctx, docID)
	if err != nil {
		return Document{}, err
	}
	if !CanTransition(doc.Status, newStatus) {
		return Document{}, &InvalidTransitionError{DocumentID: docID, From: doc.Status, To: newStatus}
	}
	moved, err := tx.UpdateStatus(ctx, docID, doc.Status, newStatus)
	if err != nil {
		return Document{}, err
	}
	if !moved {
		return Document{}, &InvalidTransitionError{DocumentID: docID, From: doc.Status, To: newStatus}
	}
	if err := tx.InsertHistory(ctx, HistoryEntry{
		DocumentID:     docID,
		PreviousStatus: doc.Status,
		NewStatus:      newStatus,
		Actor:          actor,
		Notes:          notes,
	}); err != nil {
		return Document{}, err
	}
	doc.Status = newStatus
	return doc, nil
}

// CreatePallets records the document's pallet composition. Allowed while the
// composition can still change, before confirmation.
func (s *Service) CreatePallets(ctx context.Context, docID int64, pallets []allocation.Pallet) ([]allocation.Pallet, error) {
	if len(pallets) == 0 {
		return nil, shared.ErrInvalidInput
	}
	var created []allocation.Pallet
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Status != StatusCheckComplete && doc.Status != StatusPlanning {
			return &InvalidTransitionError{DocumentID: docID, From: doc.Status, To: StatusPlanning}
		}
		for _, p := range pallets {
			p.DocumentID = &docID
			p.DepositID = doc.DepositID
			inserted, err := tx.InsertPallet(ctx, p)
			if err != nil {
				return err
			}
			created = append(created, inserted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, "receiving.pallets", docID, strconv.Itoa(len(created)))
	return created, nil
}

// PalletAssignment maps one pallet to its target position for confirmation.
type PalletAssignment struct {
	PalletID   int64
	PositionID int64
}

// Confirm transitions the document to confirmed and binds every pallet to its
// assigned position, creating the inbound stock. Pallets that lose their
// position race are reported itemized; the document stays confirmed and the
// listed pallets can be allocated individually afterwards.
func (s *Service) Confirm(ctx context.Context, docID int64, assignments []PalletAssignment) (Document, error) {
	targets := make(map[int64]int64, len(assignments))
	for _, a := range assignments {
		if a.PalletID == 0 || a.PositionID == 0 {
			return Document{}, shared.ErrInvalidInput
		}
		targets[a.PalletID] = a.PositionID
	}

	actor := shared.ActorFromContext(ctx)
	var doc Document
	var pallets []allocation.Pallet
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The document row lock pins the pallet set: CreatePallets takes the
		// same lock before inserting.
		if _, err := tx.GetDocumentForUpdate(ctx, docID); err != nil {
			return err
		}
		var err error
		pallets, err = tx.ListPallets(ctx, docID)
		if err != nil {
			return err
		}
		if len(pallets) == 0 {
			return ErrNoPallets
		}
		for _, p := range pallets {
			if _, ok := targets[p.ID]; !ok && !p.Stocked {
				return fmt.Errorf("%w: pallet %d", ErrPalletsUnassigned, p.ID)
			}
		}
		doc, err = s.move(ctx, tx, docID, StatusConfirmed, actor, "confirmed")
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "receiving.transition", docID, string(StatusConfirmed))

	var failures []PalletFailure
	for _, p := range pallets {
		if p.Stocked {
			continue
		}
		positionID := targets[p.ID]
		if _, err := s.allocator.CompleteAllocationAndCreateStock(ctx, p.ID, positionID, doc.Number); err != nil {
			failures = append(failures, PalletFailure{PalletID: p.ID, PositionID: positionID, Reason: err.Error()})
		}
	}
	if len(failures) > 0 {
		return doc, &ConfirmError{DocumentID: docID, Failures: failures}
	}
	return doc, nil
}

// GetDocument returns the document with items, pallets and history.
func (s *Service) GetDocument(ctx context.Context, docID int64) (Document, []Item, []allocation.Pallet, []HistoryEntry, error) {
	doc, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, nil, err
	}
	items, err := s.repo.ListItems(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, nil, err
	}
	pallets, err := s.repo.ListPallets(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, nil, err
	}
	history, err := s.repo.ListHistory(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, nil, err
	}
	return doc, items, pallets, history, nil
}

// ListDocuments returns documents, optionally filtered by status.
func (s *Service) ListDocuments(ctx context.Context, status Status) ([]Document, error) {
	if status != "" && !ValidStatus(status) {
		return nil, shared.ErrInvalidInput
	}
	return s.repo.ListDocuments(ctx, status)
}

func (s *Service) recordAudit(ctx context.Context, action string, docID int64, state string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "receiving_document",
		EntityID: strconv.FormatInt(docID, 10),
		Meta:     map[string]any{"state": state},
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
