package shipping

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Status enumerates the outbound document lifecycle. The main line is
// strictly sequential, no skipping.
type Status string

const (
	// StatusPickPending is the initial state after registration.
	StatusPickPending Status = "pick_pending"
	// StatusPicked means the goods are collected and staged.
	StatusPicked Status = "picked"
	// StatusDispatched means the goods left the deposit; the ledger records
	// the outbound movements at this transition.
	StatusDispatched Status = "dispatched"
	// StatusDelivered is terminal.
	StatusDelivered Status = "delivered"
	// StatusCancelled is terminal. Entering it reverses reservations and,
	// when movements were already recorded, appends compensating adjustments.
	StatusCancelled Status = "cancelled"
)

// ApprovalStatus is the orthogonal approval axis, settable only before
// dispatch.
type ApprovalStatus string

const (
	// ApprovalPending is the initial approval state.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved clears the document for dispatch.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected blocks dispatch until overturned.
	ApprovalRejected ApprovalStatus = "rejected"
)

var transitions = map[Status][]Status{
	StatusPickPending: {StatusPicked, StatusCancelled},
	StatusPicked:      {StatusDispatched, StatusCancelled},
	StatusDispatched:  {StatusDelivered, StatusCancelled},
}

// ValidStatus reports whether s is a known shipping status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPickPending, StatusPicked, StatusDispatched, StatusDelivered, StatusCancelled:
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

// Document is one outbound order.
type Document struct {
	ID        int64
	Number    string
	DepositID int64
	WaveID    *uuid.UUID
	Customer  string
	Status    Status
	Approval  ApprovalStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is one outbound product line.
type Item struct {
	ID         int64
	DocumentID int64
	ProductID  int64
	Lot        string
	Quantity   decimal.Decimal
	UnitValue  decimal.Decimal
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
	ErrDocumentNotFound = errors.New("shipping: document not found")
	// ErrInvalidTransition is the umbrella sentinel for InvalidTransitionError.
	ErrInvalidTransition = errors.New("shipping: invalid transition")
	// ErrApprovalRequired blocks dispatch of an unapproved document.
	ErrApprovalRequired = errors.New("shipping: dispatch requires approval")
	// ErrApprovalLocked rejects approval changes once the document dispatched.
	ErrApprovalLocked = errors.New("shipping: approval locked after dispatch")
)

// InvalidTransitionError names the document and the states involved.
type InvalidTransitionError struct {
	DocumentID int64
	From       Status
	To         Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("shipping: document %d cannot move %s -> %s", e.DocumentID, e.From, e.To)
}

// Is matches the sentinel.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Describe implements shared.Describer.
func (e *InvalidTransitionError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:     "invalid_transition",
		Message:  e.Error(),
		Entity:   "shipping_document",
		EntityID: strconv.FormatInt(e.DocumentID, 10),
		State:    string(e.From),
	}
}
