package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-wms/meridian-wms/internal/jobs"
)

// ProjectionMaintainer is the subset of the ledger service the maintenance
// jobs drive.
type ProjectionMaintainer interface {
	Refresh(ctx context.Context) error
	VerifyConsistency(ctx context.Context) error
}

// LedgerMaintainer runs the periodic projection rebuild and verification.
type LedgerMaintainer struct {
	ledger  ProjectionMaintainer
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewLedgerMaintainer constructs the ledger job handlers. Metrics may be nil.
func NewLedgerMaintainer(ledger ProjectionMaintainer, metrics *jobmetrics.Metrics, logger *slog.Logger) *LedgerMaintainer {
	return &LedgerMaintainer{ledger: ledger, metrics: metrics, logger: logger}
}

// Handlers returns the task registrations for the worker mux.
func (m *LedgerMaintainer) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskLedgerRefresh, Handler: m.HandleRefresh},
		{Type: TaskLedgerVerify, Handler: m.HandleVerify},
	}
}

// HandleRefresh rebuilds the stock projection from the movement rows.
func (m *LedgerMaintainer) HandleRefresh(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := m.metrics.Track("ledger_refresh")
	if err := m.ledger.Refresh(ctx); err != nil {
		m.logger.Error("ledger refresh", slog.Any("error", err))
		return tracker.End(err)
	}
	m.logger.Info("ledger refresh complete")
	return tracker.End(nil)
}

// HandleVerify folds the ledger and compares it with the stored projection.
// A mismatch fails the job so the drift shows up in the failure counters.
func (m *LedgerMaintainer) HandleVerify(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := m.metrics.Track("ledger_verify")
	if err := m.ledger.VerifyConsistency(ctx); err != nil {
		m.logger.Error("ledger verify", slog.Any("error", err))
		return tracker.End(err)
	}
	m.logger.Info("ledger verify clean")
	return tracker.End(nil)
}
