package allocation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/registry"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBinding(ctx context.Context, palletID int64) (PalletBinding, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service binds pallets to storage positions under mutual exclusion. Every
// operation is one transaction: on any precondition violation the position
// flags, the binding and the ledger all stay untouched.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics *observability.EngineMetrics
	logger  *slog.Logger
}

// NewService builds Service. Audit and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, metrics: metrics, logger: logger}
}

// Allocate binds the pallet to the position. When the pallet's contents have
// not entered the ledger yet, the inbound movement is appended in the same
// transaction, locating the stock at the position's deposit.
func (s *Service) Allocate(ctx context.Context, palletID, positionID int64, notes string) (PalletBinding, error) {
	return s.allocate(ctx, palletID, positionID, notes, false)
}

// CompleteAllocationAndCreateStock is the receiving-facing variant: it
// requires the pallet to be unstocked so confirmation can never double-count.
func (s *Service) CompleteAllocationAndCreateStock(ctx context.Context, palletID, positionID int64, notes string) (PalletBinding, error) {
	return s.allocate(ctx, palletID, positionID, notes, true)
}

func (s *Service) allocate(ctx context.Context, palletID, positionID int64, notes string, requireUnstocked bool) (PalletBinding, error) {
	actor := shared.ActorFromContext(ctx)
	var binding PalletBinding
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		pallet, err := tx.GetPalletForUpdate(ctx, palletID)
		if err != nil {
			return err
		}
		if requireUnstocked && pallet.Stocked {
			return ErrPalletAlreadyStocked
		}
		if existing, err := tx.GetBindingForUpdate(ctx, palletID); err == nil {
			return &BoundError{PalletID: palletID, PositionID: existing.PositionID}
		} else if !errors.Is(err, ErrBindingNotFound) {
			return err
		}
		position, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if err := tx.OccupyPosition(ctx, positionID); err != nil {
			return err
		}
		binding, err = tx.InsertBinding(ctx, PalletBinding{
			PalletID:    palletID,
			PositionID:  positionID,
			AllocatedBy: actor,
			Notes:       notes,
		})
		if err != nil {
			return err
		}
		return s.settleStock(ctx, tx, pallet, position.DepositID, actor)
	})
	if err != nil {
		if errors.Is(err, registry.ErrPositionUnavailable) {
			s.metrics.AllocationConflict()
		}
		return PalletBinding{}, err
	}
	s.recordAudit(ctx, actor, "pallet.allocate", palletID, positionID)
	return binding, nil
}

// Reallocate atomically moves the pallet to a new position. When the new
// position is unavailable the old binding is left untouched.
func (s *Service) Reallocate(ctx context.Context, palletID, newPositionID int64, notes string) (PalletBinding, error) {
	actor := shared.ActorFromContext(ctx)
	var binding PalletBinding
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		binding, err = tx.GetBindingForUpdate(ctx, palletID)
		if err != nil {
			return err
		}
		if binding.PositionID == newPositionID {
			return nil
		}
		pallet, err := tx.GetPalletForUpdate(ctx, palletID)
		if err != nil {
			return err
		}
		position, err := tx.GetPosition(ctx, newPositionID)
		if err != nil {
			return err
		}
		if err := tx.OccupyPosition(ctx, newPositionID); err != nil {
			return err
		}
		if err := tx.FreePosition(ctx, binding.PositionID); err != nil {
			return err
		}
		if err := tx.UpdateBindingPosition(ctx, binding.ID, newPositionID, notes); err != nil {
			return err
		}
		binding.PositionID = newPositionID
		binding.Notes = notes
		return s.settleStock(ctx, tx, pallet, position.DepositID, actor)
	})
	if err != nil {
		if errors.Is(err, registry.ErrPositionUnavailable) {
			s.metrics.AllocationConflict()
		}
		return PalletBinding{}, err
	}
	s.recordAudit(ctx, actor, "pallet.reallocate", palletID, newPositionID)
	return binding, nil
}

// Remove deletes the binding and frees the position. It does not remove
// stock; that is a ledger operation performed by the calling workflow.
func (s *Service) Remove(ctx context.Context, palletID int64) error {
	actor := shared.ActorFromContext(ctx)
	var positionID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		binding, err := tx.GetBindingForUpdate(ctx, palletID)
		if err != nil {
			return err
		}
		positionID = binding.PositionID
		if err := tx.DeleteBinding(ctx, binding.ID); err != nil {
			return err
		}
		return tx.FreePosition(ctx, binding.PositionID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "pallet.remove", palletID, positionID)
	return nil
}

// GetBinding returns the pallet's current binding.
func (s *Service) GetBinding(ctx context.Context, palletID int64) (PalletBinding, error) {
	return s.repo.GetBinding(ctx, palletID)
}

// settleStock records the ledger effect of a pallet landing at a deposit:
// first stocking appends the inbound row, a cross-deposit move appends a
// compensating transfer pair.
func (s *Service) settleStock(ctx context.Context, tx TxRepository, pallet Pallet, depositID int64, actor string) error {
	ref := strconv.FormatInt(pallet.ID, 10)
	if !pallet.Stocked {
		_, err := tx.ApplyMovement(ctx, ledger.Movement{
			Type:          ledger.MovementInbound,
			ProductID:     pallet.ProductID,
			Lot:           pallet.Lot,
			DepositID:     depositID,
			Quantity:      pallet.Quantity,
			UnitValue:     pallet.UnitValue,
			ReferenceType: "pallet",
			ReferenceID:   ref,
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		if err := tx.MarkPalletStocked(ctx, pallet.ID); err != nil {
			return err
		}
		if pallet.DepositID != depositID {
			return tx.MovePalletDeposit(ctx, pallet.ID, depositID)
		}
		return nil
	}
	if pallet.DepositID == depositID {
		return nil
	}
	_, err := tx.ApplyMovement(ctx, ledger.Movement{
		Type:          ledger.MovementAdjustment,
		ProductID:     pallet.ProductID,
		Lot:           pallet.Lot,
		DepositID:     pallet.DepositID,
		Quantity:      pallet.Quantity.Neg(),
		UnitValue:     pallet.UnitValue,
		ReferenceType: "pallet_move",
		ReferenceID:   ref,
		Actor:         actor,
	})
	if err != nil {
		return err
	}
	_, err = tx.ApplyMovement(ctx, ledger.Movement{
		Type:          ledger.MovementAdjustment,
		ProductID:     pallet.ProductID,
		Lot:           pallet.Lot,
		DepositID:     depositID,
		Quantity:      pallet.Quantity,
		UnitValue:     pallet.UnitValue,
		ReferenceType: "pallet_move",
		ReferenceID:   ref,
		Actor:         actor,
	})
	if err != nil {
		return err
	}
	return tx.MovePalletDeposit(ctx, pallet.ID, depositID)
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, palletID, positionID int64) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "pallet",
		EntityID: strconv.FormatInt(palletID, 10),
		Meta:     map[string]any{"position_id": positionID},
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
