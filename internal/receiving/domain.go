package receiving

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Status enumerates the inbound document lifecycle.
type Status string

const (
	// StatusAwaitingTransport is the initial state after registration.
	StatusAwaitingTransport Status = "awaiting_transport"
	// StatusInTransfer means the goods are on their way to the deposit.
	StatusInTransfer Status = "in_transfer"
	// StatusAwaitingCheck means the goods arrived and wait for inspection.
	StatusAwaitingCheck Status = "awaiting_check"
	// StatusCheckComplete means inspection finished.
	StatusCheckComplete Status = "check_complete"
	// StatusPlanning means pallet composition is being decided before
	// confirmation.
	StatusPlanning Status = "planning"
	// StatusConfirmed means the document's pallets may be bound and the
	// ledger records the inbound stock. Terminal.
	StatusConfirmed Status = "confirmed"
	// StatusRejected is terminal and reverses nothing; no ledger entries
	// exist before confirmation.
	StatusRejected Status = "rejected"
)

// transitions is the allowed adjacency. Anything absent is invalid.
var transitions = map[Status][]Status{
	StatusAwaitingTransport: {StatusInTransfer},
	StatusInTransfer:        {StatusAwaitingCheck},
	StatusAwaitingCheck:     {StatusCheckComplete},
	StatusCheckComplete:     {StatusPlanning, StatusConfirmed, StatusRejected},
	StatusPlanning:          {StatusConfirmed, StatusRejected},
}

// ValidStatus reports whether s is a known receiving status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusAwaitingTransport, StatusInTransfer, StatusAwaitingCheck,
		StatusCheckComplete, StatusPlanning, StatusConfirmed, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the adjacency list.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Document is one inbound delivery.
type Document struct {
	ID        int64
	Number    string
	DepositID int64
	Supplier  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is one expected product line of a document.
type Item struct {
	ID         int64
	DocumentID int64
	ProductID  int64
	Lot        string
	Quantity   decimal.Decimal
	UnitValue  decimal.Decimal
	ExpiresAt  *time.Time
}

// HistoryEntry is one append-only transition record.
type HistoryEntry struct {
	ID             int64
	DocumentID     int64
	PreviousStatus Status
	NewStatus      Status
	Actor          string
	Notes          string
	At             time.Time
}

var (
	// ErrDocumentNotFound indicates the document id is unknown.
	ErrDocumentNotFound = errors.New("receiving: document not found")
	// ErrInvalidTransition is the umbrella sentinel for InvalidTransitionError.
	ErrInvalidTransition = errors.New("receiving: invalid transition")
	// ErrPalletsUnassigned rejects confirmation with pallets lacking a target
	// position.
	ErrPalletsUnassigned = errors.New("receiving: pallets without target position")
	// ErrNoPallets rejects confirmation of a document without pallets.
	ErrNoPallets = errors.New("receiving: document has no pallets")
)

// InvalidTransitionError names the document and the states involved.
type InvalidTransitionError struct {
	DocumentID int64
	From       Status
	To         Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("receiving: document %d cannot move %s -> %s", e.DocumentID, e.From, e.To)
}

// Is matches the sentinel.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Describe implements shared.Describer.
func (e *InvalidTransitionError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:     "invalid_transition",
		Message:  e.Error(),
		Entity:   "receiving_document",
		EntityID: strconv.FormatInt(e.DocumentID, 10),
		State:    string(e.From),
	}
}

// PalletFailure is one pallet that could not be bound during confirmation.
type PalletFailure struct {
	PalletID   int64  `json:"pallet_id"`
	PositionID int64  `json:"position_id"`
	Reason     string `json:"reason"`
}

// ErrConfirmIncomplete is the umbrella sentinel for ConfirmError.
var ErrConfirmIncomplete = errors.New("receiving: confirmation partially failed")

// ConfirmError itemizes the pallets left unbound after confirmation. The
// document is confirmed; the listed pallets can be allocated individually.
type ConfirmError struct {
	DocumentID int64
	Failures   []PalletFailure
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("receiving: document %d confirmed with %d unbound pallet(s)", e.DocumentID, len(e.Failures))
}

// Is matches the sentinel.
func (e *ConfirmError) Is(target error) bool { return target == ErrConfirmIncomplete }

// Describe implements shared.Describer.
func (e *ConfirmError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:     "confirm_partial_failure",
		Message:  e.Error(),
		Entity:   "receiving_document",
		EntityID: strconv.FormatInt(e.DocumentID, 10),
		State:    string(StatusConfirmed),
		Details:  e.Failures,
	}
}
