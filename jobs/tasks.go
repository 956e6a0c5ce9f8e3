package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskWaveSweepExpired releases wave reservations whose TTL has lapsed.
	TaskWaveSweepExpired = "wave:sweep_expired"
	// TaskWaveSweepCompleted releases the leftover reservations of waves whose
	// shipping documents have all dispatched or delivered.
	TaskWaveSweepCompleted = "wave:sweep_completed"
	// TaskLedgerRefresh rebuilds the stock projection from the movement rows.
	TaskLedgerRefresh = "ledger:refresh"
	// TaskLedgerVerify checks the projection against a fresh fold of the ledger.
	TaskLedgerVerify = "ledger:verify"
)

// SweepPayload carries scheduling metadata for the periodic maintenance tasks.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func newSweepTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewWaveSweepExpiredTask constructs the expired-reservation sweep task.
func NewWaveSweepExpiredTask(at time.Time) (*asynq.Task, error) {
	return newSweepTask(TaskWaveSweepExpired, at)
}

// NewWaveSweepCompletedTask constructs the completed-wave sweep task.
func NewWaveSweepCompletedTask(at time.Time) (*asynq.Task, error) {
	return newSweepTask(TaskWaveSweepCompleted, at)
}

// NewLedgerRefreshTask constructs the projection rebuild task.
func NewLedgerRefreshTask(at time.Time) (*asynq.Task, error) {
	return newSweepTask(TaskLedgerRefresh, at)
}

// NewLedgerVerifyTask constructs the projection verification task.
func NewLedgerVerifyTask(at time.Time) (*asynq.Task, error) {
	return newSweepTask(TaskLedgerVerify, at)
}
