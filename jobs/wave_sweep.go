package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-wms/meridian-wms/internal/jobs"
)

// ReservationSweeper is the subset of the wave service the sweep jobs drive.
type ReservationSweeper interface {
	CleanExpiredReservations(ctx context.Context) (int, error)
	CleanCompletedWaveReservations(ctx context.Context) (int, error)
}

// WaveSweeper runs the periodic reservation sweeps.
type WaveSweeper struct {
	waves   ReservationSweeper
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewWaveSweeper constructs the sweep job handlers. Metrics may be nil.
func NewWaveSweeper(waves ReservationSweeper, metrics *jobmetrics.Metrics, logger *slog.Logger) *WaveSweeper {
	return &WaveSweeper{waves: waves, metrics: metrics, logger: logger}
}

// Handlers returns the task registrations for the worker mux.
func (s *WaveSweeper) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskWaveSweepExpired, Handler: s.HandleSweepExpired},
		{Type: TaskWaveSweepCompleted, Handler: s.HandleSweepCompleted},
	}
}

// HandleSweepExpired releases every reservation whose deadline has passed.
func (s *WaveSweeper) HandleSweepExpired(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("wave_sweep_expired")
	released, err := s.waves.CleanExpiredReservations(ctx)
	if err != nil {
		s.logger.Error("sweep expired reservations", slog.Any("error", err))
		return tracker.End(err)
	}
	s.metrics.AddReleased("expired", released)
	s.logger.Info("sweep expired reservations", slog.Int("released", released))
	return tracker.End(nil)
}

// HandleSweepCompleted releases the leftovers of finished waves.
func (s *WaveSweeper) HandleSweepCompleted(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("wave_sweep_completed")
	released, err := s.waves.CleanCompletedWaveReservations(ctx)
	if err != nil {
		s.logger.Error("sweep completed waves", slog.Any("error", err))
		return tracker.End(err)
	}
	s.metrics.AddReleased("completed", released)
	s.logger.Info("sweep completed waves", slog.Int("released", released))
	return tracker.End(nil)
}
