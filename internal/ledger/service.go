package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLevel(ctx context.Context, key LevelKey) (Projection, error)
	ListMovements(ctx context.Context, key LevelKey, limit int) ([]Movement, error)
	Refresh(ctx context.Context) error
	Verify(ctx context.Context) ([]Violation, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates ledger appends and projection reads.
type Service struct {
	repo    RepositoryPort
	cache   *Cache
	audit   AuditPort
	metrics *observability.EngineMetrics
	logger  *slog.Logger
}

// NewService builds Service. Cache, audit and metrics may be nil.
func NewService(repo RepositoryPort, cache *Cache, audit AuditPort, metrics *observability.EngineMetrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, audit: audit, metrics: metrics, logger: logger}
}

// Record appends one movement. Prior rows are never mutated.
func (s *Service) Record(ctx context.Context, m Movement) (Movement, error) {
	if m.Actor == "" {
		m.Actor = shared.ActorFromContext(ctx)
	}
	var recorded Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		recorded, err = tx.ApplyMovement(ctx, m)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.metrics.MovementRecorded(string(recorded.Type))
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump stock cache", slog.Any("error", err))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    recorded.Actor,
			Action:   "stock." + string(recorded.Type),
			Entity:   "stock_movement",
			EntityID: strconv.FormatInt(recorded.ID, 10),
			Meta: map[string]any{
				"product_id": recorded.ProductID,
				"lot":        recorded.Lot,
				"deposit_id": recorded.DepositID,
				"quantity":   recorded.Quantity.String(),
			},
		})
	}
	return recorded, nil
}

// Project returns the stock projection for a key, served read-through from the
// cache when one is configured.
func (s *Service) Project(ctx context.Context, key LevelKey) (Projection, error) {
	cacheKey, err := s.cache.BuildKey(ctx, key)
	if err != nil {
		s.logger.Warn("build stock cache key", slog.Any("error", err))
		return s.repo.GetLevel(ctx, key)
	}
	var projection Projection
	err = s.cache.FetchJSON(ctx, cacheKey, &projection, func(ctx context.Context) (any, error) {
		return s.repo.GetLevel(ctx, key)
	})
	if err != nil {
		return Projection{}, err
	}
	return projection, nil
}

// History returns the movement rows behind a key, oldest first.
func (s *Service) History(ctx context.Context, key LevelKey, limit int) ([]Movement, error) {
	return s.repo.ListMovements(ctx, key, limit)
}

// Refresh rebuilds the whole projection from the ledger.
func (s *Service) Refresh(ctx context.Context) error {
	started := time.Now()
	if err := s.repo.Refresh(ctx); err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump stock cache", slog.Any("error", err))
	}
	s.logger.Info("stock projection refreshed", slog.Duration("took", time.Since(started)))
	return nil
}

// VerifyConsistency compares the projection to the ledger fold and returns a
// ConsistencyError naming every divergent key.
func (s *Service) VerifyConsistency(ctx context.Context) error {
	violations, err := s.repo.Verify(ctx)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		return nil
	}
	return &ConsistencyError{Violations: violations}
}
