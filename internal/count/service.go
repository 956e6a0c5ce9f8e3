package count

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/catalog"
	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, sessionID int64) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	ListTasks(ctx context.Context, sessionID int64) ([]Task, error)
	ListDivergences(ctx context.Context, sessionID int64) ([]Divergence, error)
}

// CatalogPort resolves scanned barcodes to products.
type CatalogPort interface {
	GetProductByBarcode(ctx context.Context, barcode string) (catalog.Product, error)
}

// NumberPort issues session numbers.
type NumberPort interface {
	Next(ctx context.Context, scope string) (string, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs inventory count sessions and classifies what the scans find
// against the stock projection.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	numbers NumberPort
	audit   AuditPort
	logger  *slog.Logger
}

// NewService builds Service. Audit may be nil.
func NewService(repo RepositoryPort, catalog CatalogPort, numbers NumberPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, catalog: catalog, numbers: numbers, audit: audit, logger: logger}
}

// GenerateInventoryNumber issues the next sequential session number.
func (s *Service) GenerateInventoryNumber(ctx context.Context) (string, error) {
	return s.numbers.Next(ctx, "INV")
}

// CreateSession opens a count run over the given positions.
func (s *Service) CreateSession(ctx context.Context, depositID int64, positionIDs []int64) (Session, error) {
	if depositID == 0 || len(positionIDs) == 0 {
		return Session{}, shared.ErrInvalidInput
	}
	number, err := s.GenerateInventoryNumber(ctx)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Number:         number,
		DepositID:      depositID,
		Status:         SessionStarted,
		TotalPositions: len(positionIDs),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		session, err = tx.InsertSession(ctx, session)
		if err != nil {
			return err
		}
		for _, positionID := range positionIDs {
			task := Task{SessionID: session.ID, PositionID: positionID, Status: TaskPending}
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.recordAudit(ctx, "count.create", session.ID, string(session.Status))
	return session, nil
}

// StartTask claims a position for the calling operator. The claim is a
// compare-and-set on the pending status: a second operator gets a
// TaskStartedError naming who holds the position.
func (s *Service) StartTask(ctx context.Context, sessionID, positionID int64) (Task, error) {
	actor := shared.ActorFromContext(ctx)
	var task Task
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == SessionCompleted || session.Status == SessionCancelled {
			return ErrSessionClosed
		}
		claimed, err := tx.ClaimTask(ctx, sessionID, positionID, actor)
		if err != nil {
			return err
		}
		if !claimed {
			task, err := tx.GetTaskForUpdate(ctx, sessionID, positionID)
			if err != nil {
				return err
			}
			if task.Status == TaskCompleted {
				return ErrTaskCompleted
			}
			return &TaskStartedError{SessionID: sessionID, PositionID: positionID, CountedBy: task.CountedBy}
		}
		if session.Status == SessionStarted {
			if _, err := tx.UpdateSessionStatus(ctx, sessionID, SessionStarted, SessionInProgress); err != nil {
				return err
			}
		}
		task, err = tx.GetTaskForUpdate(ctx, sessionID, positionID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// RecordScan stores one count observation. The system quantity is a snapshot
// of the projection taken in the same transaction; a non-zero difference also
// writes a classified divergence valued at the level's average value.
func (s *Service) RecordScan(ctx context.Context, sessionID, positionID int64, barcode, lot string, quantityFound decimal.Decimal) (Scan, *Divergence, error) {
	if quantityFound.Sign() < 0 {
		return Scan{}, nil, shared.ErrInvalidInput
	}
	product, err := s.catalog.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return Scan{}, nil, err
	}
	actor := shared.ActorFromContext(ctx)
	var scan Scan
	var divergence *Divergence
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == SessionCompleted || session.Status == SessionCancelled {
			return ErrSessionClosed
		}
		task, err := tx.GetTaskForUpdate(ctx, sessionID, positionID)
		if err != nil {
			return err
		}
		if task.Status != TaskInProgress {
			return ErrTaskNotInProgress
		}
		key := ledger.LevelKey{ProductID: product.ID, Lot: lot, DepositID: session.DepositID}
		projection, err := tx.SystemQuantity(ctx, key)
		if err != nil {
			return err
		}
		scan, err = tx.InsertScan(ctx, Scan{
			SessionID:      sessionID,
			PositionID:     positionID,
			Barcode:        barcode,
			ProductID:      product.ID,
			Lot:            lot,
			QuantityFound:  quantityFound,
			QuantitySystem: projection.QuantityCurrent,
			ScannedBy:      actor,
		})
		if err != nil {
			return err
		}
		difference := quantityFound.Sub(projection.QuantityCurrent)
		if difference.IsZero() {
			return nil
		}
		otherLots, err := tx.QuantityInOtherLots(ctx, product.ID, session.DepositID, lot)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertDivergence(ctx, Divergence{
			SessionID:      sessionID,
			PositionID:     positionID,
			ProductID:      product.ID,
			Lot:            lot,
			QuantityFound:  quantityFound,
			QuantitySystem: projection.QuantityCurrent,
			Difference:     difference,
			Classification: classify(difference, projection.QuantityCurrent, otherLots),
			ValueImpact:    difference.Mul(projection.AverageValue),
		})
		if err != nil {
			return err
		}
		divergence = &inserted
		return nil
	})
	if err != nil {
		return Scan{}, nil, err
	}
	return scan, divergence, nil
}

// CompleteTask finishes one position. Outstanding divergences are recorded,
// not blocking. Completing the last task completes the session.
func (s *Service) CompleteTask(ctx context.Context, sessionID, positionID int64) (Session, error) {
	var session Session
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		done, err := tx.CompleteTask(ctx, sessionID, positionID)
		if err != nil {
			return err
		}
		if !done {
			task, err := tx.GetTaskForUpdate(ctx, sessionID, positionID)
			if err != nil {
				return err
			}
			if task.Status == TaskCompleted {
				return ErrTaskCompleted
			}
			return ErrTaskNotInProgress
		}
		session, err = tx.IncrementCounted(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.CountedPositions >= session.TotalPositions {
			if _, err := tx.UpdateSessionStatus(ctx, sessionID, SessionInProgress, SessionCompleted); err != nil {
				return err
			}
			session.Status = SessionCompleted
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.recordAudit(ctx, "count.complete_task", sessionID, strconv.FormatInt(positionID, 10))
	return session, nil
}

// JustifyDivergence records an explanation, moving open -> justified.
func (s *Service) JustifyDivergence(ctx context.Context, divergenceID int64, justification string) (Divergence, error) {
	if justification == "" {
		return Divergence{}, shared.ErrInvalidInput
	}
	var divergence Divergence
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		divergence, err = tx.GetDivergenceForUpdate(ctx, divergenceID)
		if err != nil {
			return err
		}
		if divergence.Status == DivergenceAdjusted {
			return ErrDivergenceClosed
		}
		divergence.Status = DivergenceJustified
		divergence.Justification = justification
		return tx.UpdateDivergence(ctx, divergence)
	})
	if err != nil {
		return Divergence{}, err
	}
	s.recordAudit(ctx, "count.justify", divergence.SessionID, strconv.FormatInt(divergenceID, 10))
	return divergence, nil
}

// AdjustDivergence closes the divergence by appending the compensating
// adjustment movement that brings the projection to the counted reality.
func (s *Service) AdjustDivergence(ctx context.Context, divergenceID int64) (Divergence, error) {
	actor := shared.ActorFromContext(ctx)
	var divergence Divergence
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		divergence, err = tx.GetDivergenceForUpdate(ctx, divergenceID)
		if err != nil {
			return err
		}
		if divergence.Status == DivergenceAdjusted {
			return ErrDivergenceClosed
		}
		session, err := tx.GetSessionForUpdate(ctx, divergence.SessionID)
		if err != nil {
			return err
		}
		_, err = tx.ApplyMovement(ctx, ledger.Movement{
			Type:          ledger.MovementAdjustment,
			ProductID:     divergence.ProductID,
			Lot:           divergence.Lot,
			DepositID:     session.DepositID,
			Quantity:      divergence.Difference,
			ReferenceType: "count_divergence",
			ReferenceID:   strconv.FormatInt(divergence.ID, 10),
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		divergence.Status = DivergenceAdjusted
		return tx.UpdateDivergence(ctx, divergence)
	})
	if err != nil {
		return Divergence{}, err
	}
	s.recordAudit(ctx, "count.adjust", divergence.SessionID, strconv.FormatInt(divergenceID, 10))
	return divergence, nil
}

// GetSession returns the session with tasks and divergences.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (Session, []Task, []Divergence, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, nil, nil, err
	}
	tasks, err := s.repo.ListTasks(ctx, sessionID)
	if err != nil {
		return Session{}, nil, nil, err
	}
	divergences, err := s.repo.ListDivergences(ctx, sessionID)
	if err != nil {
		return Session{}, nil, nil, err
	}
	return session, tasks, divergences, nil
}

// ListSessions returns recent sessions.
func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.repo.ListSessions(ctx)
}

func (s *Service) recordAudit(ctx context.Context, action string, sessionID int64, detail string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "count_session",
		EntityID: strconv.FormatInt(sessionID, 10),
		Meta:     map[string]any{"detail": detail},
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
