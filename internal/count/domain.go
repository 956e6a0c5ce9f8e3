package count

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// SessionStatus enumerates the count session lifecycle.
type SessionStatus string

const (
	// SessionStarted means the session exists but no position was claimed yet.
	SessionStarted SessionStatus = "started"
	// SessionInProgress means at least one position task was started.
	SessionInProgress SessionStatus = "in_progress"
	// SessionCompleted means every assigned position task finished.
	SessionCompleted SessionStatus = "completed"
	// SessionCancelled is terminal without completing the remaining tasks.
	SessionCancelled SessionStatus = "cancelled"
)

// TaskStatus enumerates one position task's lifecycle.
type TaskStatus string

const (
	// TaskPending means no operator has claimed the position.
	TaskPending TaskStatus = "pending"
	// TaskInProgress means exactly one operator is counting the position.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted means the position was counted.
	TaskCompleted TaskStatus = "completed"
)

// Classification labels a non-zero divergence.
type Classification string

const (
	// ClassShortage means less was found than the projection records.
	ClassShortage Classification = "shortage"
	// ClassSurplus means more was found than the projection records.
	ClassSurplus Classification = "surplus"
	// ClassLotMismatch means the scanned lot holds no recorded stock while
	// other lots of the product do at that deposit.
	ClassLotMismatch Classification = "lot_mismatch"
)

// DivergenceStatus enumerates the divergence follow-up lifecycle.
type DivergenceStatus string

const (
	// DivergenceOpen means nobody explained the difference yet.
	DivergenceOpen DivergenceStatus = "open"
	// DivergenceJustified means an explanation was recorded.
	DivergenceJustified DivergenceStatus = "justified"
	// DivergenceAdjusted means a compensating ledger adjustment was appended.
	DivergenceAdjusted DivergenceStatus = "adjusted"
)

// Session is one inventory count run over a subset of positions.
type Session struct {
	ID               int64
	Number           string
	DepositID        int64
	Status           SessionStatus
	TotalPositions   int
	CountedPositions int
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// PercentComplete is countedPositions over totalPositions.
func (s Session) PercentComplete() float64 {
	if s.TotalPositions == 0 {
		return 0
	}
	return float64(s.CountedPositions) / float64(s.TotalPositions)
}

// Task is one position assigned to the session.
type Task struct {
	SessionID   int64
	PositionID  int64
	Status      TaskStatus
	CountedBy   string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Scan is one recorded barcode count at a position.
type Scan struct {
	ID             int64
	SessionID      int64
	PositionID     int64
	Barcode        string
	ProductID      int64
	Lot            string
	QuantityFound  decimal.Decimal
	QuantitySystem decimal.Decimal
	ScannedBy      string
	At             time.Time
}

// Divergence is one non-zero difference between a scan and the projection.
type Divergence struct {
	ID             int64
	SessionID      int64
	PositionID     int64
	ProductID      int64
	Lot            string
	QuantityFound  decimal.Decimal
	QuantitySystem decimal.Decimal
	Difference     decimal.Decimal
	Classification Classification
	Justification  string
	ValueImpact    decimal.Decimal
	Status         DivergenceStatus
	CreatedAt      time.Time
}

var (
	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("count: session not found")
	// ErrSessionClosed rejects scans against a completed or cancelled session.
	ErrSessionClosed = errors.New("count: session closed")
	// ErrTaskNotFound indicates the position is not part of the session.
	ErrTaskNotFound = errors.New("count: position task not found")
	// ErrTaskAlreadyStarted is the umbrella sentinel for TaskStartedError.
	ErrTaskAlreadyStarted = errors.New("count: task already started")
	// ErrTaskNotInProgress rejects scans and completion on unclaimed tasks.
	ErrTaskNotInProgress = errors.New("count: task not in progress")
	// ErrTaskCompleted rejects restarting a finished task.
	ErrTaskCompleted = errors.New("count: task already completed")
	// ErrDivergenceNotFound indicates the divergence id is unknown.
	ErrDivergenceNotFound = errors.New("count: divergence not found")
	// ErrDivergenceClosed rejects changes to an adjusted divergence.
	ErrDivergenceClosed = errors.New("count: divergence already adjusted")
)

// TaskStartedError reports who holds the position so two operators never
// count the same slot.
type TaskStartedError struct {
	SessionID  int64
	PositionID int64
	CountedBy  string
}

func (e *TaskStartedError) Error() string {
	return fmt.Sprintf("count: position %d in session %d already being counted by %s", e.PositionID, e.SessionID, e.CountedBy)
}

// Is matches the sentinel.
func (e *TaskStartedError) Is(target error) bool { return target == ErrTaskAlreadyStarted }

// Describe implements shared.Describer.
func (e *TaskStartedError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:     "task_already_started",
		Message:  e.Error(),
		Entity:   "count_position_task",
		EntityID: strconv.FormatInt(e.PositionID, 10),
		State:    string(TaskInProgress),
	}
}

// classify labels a non-zero difference. A scanned lot with zero recorded
// stock counts as lot mismatch when the product does hold stock under other
// lots at the deposit.
func classify(difference, quantitySystem, otherLots decimal.Decimal) Classification {
	if quantitySystem.IsZero() && otherLots.Sign() > 0 {
		return ClassLotMismatch
	}
	if difference.Sign() < 0 {
		return ClassShortage
	}
	return ClassSurplus
}
