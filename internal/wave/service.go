package wave

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/registry"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAllocations(ctx context.Context, waveID uuid.UUID) ([]Allocation, error)
	ReleaseWave(ctx context.Context, waveID uuid.UUID) (int, error)
	SweepExpired(ctx context.Context) (int, error)
	SweepCompleted(ctx context.Context) (int, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service plans waves: it turns outbound demand into position holds with a
// bounded TTL. The TTL is advisory; only the sweep enforces it.
type Service struct {
	repo    RepositoryPort
	lock    *shared.PlanningLock
	ttl     time.Duration
	audit   AuditPort
	metrics *observability.EngineMetrics
	logger  *slog.Logger
}

// NewService builds Service. Lock, audit and metrics may be nil.
func NewService(repo RepositoryPort, lock *shared.PlanningLock, ttl time.Duration, audit AuditPort, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, lock: lock, ttl: ttl, audit: audit, metrics: metrics, logger: logger}
}

// DefinePositions plans the given demand against available stock and reserves
// the selected positions tagged with the wave. Lines that cannot be fully
// covered come back in Unsatisfied with none of their holds kept.
func (s *Service) DefinePositions(ctx context.Context, waveID uuid.UUID, demand []DemandLine) (PlacementPlan, error) {
	for _, line := range demand {
		if line.DepositID == 0 {
			return PlacementPlan{}, shared.ErrInvalidInput
		}
	}
	lockKey := shared.WaveLockKey(waveID)
	token, err := s.lock.Acquire(ctx, lockKey)
	if err != nil {
		return PlacementPlan{}, err
	}
	defer func() {
		if err := s.lock.Release(ctx, lockKey, token); err != nil {
			s.logger.Warn("release planning lock", slog.String("wave_id", waveID.String()), slog.Any("error", err))
		}
	}()

	plan := PlacementPlan{WaveID: waveID, ReservedUntil: time.Now().UTC().Add(s.ttl)}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		taken := make(map[int64]bool)
		for _, line := range demand {
			if line.Quantity.Sign() <= 0 {
				continue
			}
			placements, err := s.planLine(ctx, tx, waveID, line, plan.ReservedUntil, taken)
			if err != nil {
				return err
			}
			if placements == nil {
				plan.Unsatisfied = append(plan.Unsatisfied, line)
				continue
			}
			plan.Placements = append(plan.Placements, placements...)
		}
		return nil
	})
	if err != nil {
		return PlacementPlan{}, err
	}
	s.logger.Info("wave planned",
		slog.String("wave_id", waveID.String()),
		slog.Int("placements", len(plan.Placements)),
		slog.Int("unsatisfied", len(plan.Unsatisfied)))
	s.recordAudit(ctx, "wave.plan", waveID, len(plan.Placements))
	return plan, nil
}

// planLine reserves positions for one demand line. It returns nil placements
// when the line cannot be fully covered; in that case every hold it took is
// given back before returning so the wave never keeps partial claims.
func (s *Service) planLine(ctx context.Context, tx TxRepository, waveID uuid.UUID, line DemandLine, until time.Time, taken map[int64]bool) ([]Placement, error) {
	candidates, err := tx.ListCandidates(ctx, line.ProductID, line.DepositID)
	if err != nil {
		return nil, err
	}
	remaining := line.Quantity
	var placements []Placement
	var allocationIDs []int64
	for _, c := range rankCandidates(line, candidates) {
		if remaining.Sign() <= 0 {
			break
		}
		if taken[c.PositionID] {
			continue
		}
		take := decimal.Min(c.Quantity, remaining)
		if err := tx.ReservePosition(ctx, c.PositionID, waveID, until); err != nil {
			if errors.Is(err, registry.ErrPositionUnavailable) {
				continue
			}
			return nil, err
		}
		allocation, err := tx.InsertAllocation(ctx, Allocation{
			WaveID:     waveID,
			DocumentID: line.DocumentID,
			PositionID: c.PositionID,
			ProductID:  c.ProductID,
			Lot:        c.Lot,
			DepositID:  c.DepositID,
			Quantity:   take,
		})
		if err != nil {
			return nil, err
		}
		key := ledger.LevelKey{ProductID: c.ProductID, Lot: c.Lot, DepositID: c.DepositID}
		if err := tx.AdjustReserved(ctx, key, take); err != nil {
			return nil, err
		}
		taken[c.PositionID] = true
		allocationIDs = append(allocationIDs, allocation.ID)
		placements = append(placements, Placement{
			Line:       line,
			PositionID: c.PositionID,
			PalletID:   c.PalletID,
			Lot:        c.Lot,
			DepositID:  c.DepositID,
			Quantity:   take,
		})
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 {
		for i, p := range placements {
			if err := tx.ReleaseAllocation(ctx, allocationIDs[i]); err != nil {
				return nil, err
			}
			key := ledger.LevelKey{ProductID: line.ProductID, Lot: p.Lot, DepositID: p.DepositID}
			if err := tx.AdjustReserved(ctx, key, p.Quantity.Neg()); err != nil {
				return nil, err
			}
			if err := tx.ReleasePosition(ctx, p.PositionID); err != nil {
				return nil, err
			}
			delete(taken, p.PositionID)
		}
		return nil, nil
	}
	return placements, nil
}

// AutoAllocate derives the wave's demand from its pending shipping documents,
// plans it and commits the holds. Unsatisfied lines surface as a
// PartialFailureError while the satisfied lines keep their holds.
func (s *Service) AutoAllocate(ctx context.Context, waveID uuid.UUID) (PlacementPlan, error) {
	var demand []DemandLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		demand, err = tx.ListWaveDemand(ctx, waveID)
		return err
	})
	if err != nil {
		return PlacementPlan{}, err
	}
	if len(demand) == 0 {
		return PlacementPlan{}, ErrNoDemand
	}
	plan, err := s.DefinePositions(ctx, waveID, demand)
	if err != nil {
		return PlacementPlan{}, err
	}
	if len(plan.Unsatisfied) > 0 {
		return plan, &PartialFailureError{WaveID: waveID, Unsatisfied: plan.Unsatisfied}
	}
	return plan, nil
}

// ResetPositions releases every hold of the wave, making it replannable.
// Running it on an already-clean wave releases nothing.
func (s *Service) ResetPositions(ctx context.Context, waveID uuid.UUID) (int, error) {
	released, err := s.repo.ReleaseWave(ctx, waveID)
	if err != nil {
		return 0, err
	}
	s.metrics.ReservationsReleased("reset", released)
	if released > 0 {
		s.recordAudit(ctx, "wave.reset", waveID, released)
	}
	return released, nil
}

// ListAllocations returns the wave's reservation rows.
func (s *Service) ListAllocations(ctx context.Context, waveID uuid.UUID) ([]Allocation, error) {
	return s.repo.ListAllocations(ctx, waveID)
}

// CleanExpiredReservations releases holds whose deadline has passed.
func (s *Service) CleanExpiredReservations(ctx context.Context) (int, error) {
	released, err := s.repo.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.ReservationsReleased("expired", released)
	if released > 0 {
		s.logger.Info("expired reservations released", slog.Int("count", released))
	}
	return released, nil
}

// CleanCompletedWaveReservations releases the leftover holds of waves whose
// shipping documents have all dispatched or delivered.
func (s *Service) CleanCompletedWaveReservations(ctx context.Context) (int, error) {
	released, err := s.repo.SweepCompleted(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.ReservationsReleased("completed", released)
	if released > 0 {
		s.logger.Info("completed wave reservations released", slog.Int("count", released))
	}
	return released, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, waveID uuid.UUID, count int) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "wave",
		EntityID: waveID.String(),
		Meta:     map[string]any{"count": count},
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
