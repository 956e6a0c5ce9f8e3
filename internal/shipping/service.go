package shipping

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, docID int64) (Document, error)
	ListDocuments(ctx context.Context, status Status) ([]Document, error)
	ListItems(ctx context.Context, docID int64) ([]Item, error)
	ListHistory(ctx context.Context, docID int64) ([]HistoryEntry, error)
}

// NumberPort issues document numbers.
type NumberPort interface {
	Next(ctx context.Context, scope string) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the outbound document lifecycle. Dispatch is the single
// transition that writes the ledger; cancellation reverses with compensating
// rows, never by deleting.
type Service struct {
	repo    RepositoryPort
	numbers NumberPort
	audit   AuditPort
	metrics *observability.EngineMetrics
	logger  *slog.Logger
}

// NewService builds Service. Numbers, audit and metrics may be nil.
func NewService(repo RepositoryPort, numbers NumberPort, audit AuditPort, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, numbers: numbers, audit: audit, metrics: metrics, logger: logger}
}

// CreateDocument registers an outbound document with its lines.
func (s *Service) CreateDocument(ctx context.Context, doc Document, items []Item) (Document, error) {
	if doc.DepositID == 0 || len(items) == 0 {
		return Document{}, shared.ErrInvalidInput
	}
	doc.Status = StatusPickPending
	doc.Approval = ApprovalPending
	if s.numbers != nil && doc.Number == "" {
		number, err := s.numbers.Next(ctx, "SHP")
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
			NewStatus:  StatusPickPending,
			Actor:      actor,
			Notes:      "registered",
		})
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "shipping.create", doc.ID, string(doc.Status))
	return doc, nil
}

// Transition moves the document along the main line. Dispatch and
// cancellation carry side effects and go through Dispatch and Cancel; this
// method rejects them so the ledger work cannot be skipped.
func (s *Service) Transition(ctx context.Context, docID int64, newStatus Status, notes string) (Document, error) {
	if newStatus != StatusPicked && newStatus != StatusDelivered {
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
	s.recordAudit(ctx, "shipping.transition", docID, string(newStatus))
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

// SetApproval updates the approval axis. Locked once the document dispatched.
func (s *Service) SetApproval(ctx context.Context, docID int64, approval ApprovalStatus) (Document, error) {
	switch approval {
	case ApprovalApproved, ApprovalRejected, ApprovalPending:
	default:
		return Document{}, shared.ErrInvalidInput
	}
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case StatusDispatched, StatusDelivered, StatusCancelled:
			return ErrApprovalLocked
		}
		if err := tx.SetApproval(ctx, docID, approval); err != nil {
			return err
		}
		doc.Approval = approval
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.recordAudit(ctx, "shipping.approval", docID, string(approval))
	return doc, nil
}

// Dispatch moves picked -> dispatched in one transaction: the outbound
// movement per item, the consumption of the document's wave holds and the
// history row all commit together or not at all.
func (s *Service) Dispatch(ctx context.Context, docID int64) (Document, error) {
	actor := shared.ActorFromContext(ctx)
	var doc Document
	var consumed int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetDocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if current.Approval != ApprovalApproved {
			return ErrApprovalRequired
		}
		doc, err = s.move(ctx, tx, docID, StatusDispatched, actor, "dispatched")
		if err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, docID)
		if err != nil {
			return err
		}
		for _, item := range items {
			_, err := tx.ApplyMovement(ctx, ledger.Movement{
				Type:          ledger.MovementOutbound,
				ProductID:     item.ProductID,
				Lot:           item.Lot,
				DepositID:     doc.DepositID,
				Quantity:      item.Quantity.Neg(),
				UnitValue:     item.UnitValue,
				ReferenceType: "shipping_document",
				ReferenceID:   strconv.FormatInt(docID, 10),
				Actor:         actor,
			})
			if err != nil {
				return err
			}
		}
		if doc.WaveID != nil {
			consumed, err = tx.ConsumeDocumentHolds(ctx, *doc.WaveID, docID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.metrics.ReservationsReleased("dispatched", consumed)
	s.recordAudit(ctx, "shipping.dispatch", docID, string(StatusDispatched))
	return doc, nil
}

// Cancel terminates the document. Wave holds are given back; when the
// document already dispatched, compensating adjustments bring the stock back
// instead of deleting ledger rows. Fully commits or fully fails.
func (s *Service) Cancel(ctx context.Context, docID int64, notes string) (Document, error) {
	actor := shared.ActorFromContext(ctx)
	var doc Document
	var released int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetDocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		wasDispatched := current.Status == StatusDispatched
		doc, err = s.move(ctx, tx, docID, StatusCancelled, actor, notes)
		if err != nil {
			return err
		}
		if doc.WaveID != nil {
			released, err = tx.ReleaseDocumentHolds(ctx, *doc.WaveID, docID)
			if err != nil {
				return err
			}
		}
		if !wasDispatched {
			return nil
		}
		items, err := tx.ListItems(ctx, docID)
		if err != nil {
			return err
		}
		for _, item := range items {
			_, err := tx.ApplyMovement(ctx, ledger.Movement{
				Type:          ledger.MovementAdjustment,
				ProductID:     item.ProductID,
				Lot:           item.Lot,
				DepositID:     doc.DepositID,
				Quantity:      item.Quantity,
				UnitValue:     item.UnitValue,
				ReferenceType: "shipping_cancellation",
				ReferenceID:   strconv.FormatInt(docID, 10),
				Actor:         actor,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.metrics.ReservationsReleased("cancelled", released)
	s.recordAudit(ctx, "shipping.cancel", docID, string(StatusCancelled))
	return doc, nil
}

// GetDocument returns the document with items and history.
func (s *Service) GetDocument(ctx context.Context, docID int64) (Document, []Item, []HistoryEntry, error) {
	doc, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, err
	}
	items, err := s.repo.ListItems(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, err
	}
	history, err := s.repo.ListHistory(ctx, docID)
	if err != nil {
		return Document{}, nil, nil, err
	}
	return doc, items, history, nil
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
		Entity:   "shipping_document",
		EntityID: strconv.FormatInt(docID, 10),
		Meta:     map[string]any{"state": state},
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
