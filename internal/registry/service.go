package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	GetPosition(ctx context.Context, id int64) (StoragePosition, error)
	ListByDeposit(ctx context.Context, depositID int64) ([]StoragePosition, error)
	ReserveTemporary(ctx context.Context, positionID int64, waveID uuid.UUID, ttl time.Duration) error
	ReleaseReservation(ctx context.Context, positionID int64) error
	MarkOccupied(ctx context.Context, positionID int64) error
	MarkFree(ctx context.Context, positionID int64) error
}

// Service exposes registry operations to the planner and the API layer.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Get returns a position by id.
func (s *Service) Get(ctx context.Context, id int64) (StoragePosition, error) {
	return s.repo.GetPosition(ctx, id)
}

// ListByDeposit returns a deposit's positions.
func (s *Service) ListByDeposit(ctx context.Context, depositID int64) ([]StoragePosition, error) {
	return s.repo.ListByDeposit(ctx, depositID)
}

// ReserveTemporary places a bounded wave hold on the position.
func (s *Service) ReserveTemporary(ctx context.Context, positionID int64, waveID uuid.UUID, ttl time.Duration) error {
	if err := s.repo.ReserveTemporary(ctx, positionID, waveID, ttl); err != nil {
		return err
	}
	s.logger.Debug("position reserved", slog.Int64("position_id", positionID), slog.String("wave_id", waveID.String()), slog.Duration("ttl", ttl))
	return nil
}

// ReleaseReservation clears the hold on the position.
func (s *Service) ReleaseReservation(ctx context.Context, positionID int64) error {
	return s.repo.ReleaseReservation(ctx, positionID)
}

// MarkOccupied flips the position to occupied.
func (s *Service) MarkOccupied(ctx context.Context, positionID int64) error {
	return s.repo.MarkOccupied(ctx, positionID)
}

// MarkFree clears the occupancy flag.
func (s *Service) MarkFree(ctx context.Context, positionID int64) error {
	return s.repo.MarkFree(ctx, positionID)
}
