package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// StoragePosition is a physical slot inside a deposit. Occupancy and the
// temporary wave hold are mutated only through the registry's compare-and-set
// operations, never through ad hoc writes.
type StoragePosition struct {
	ID                  int64
	Code                string
	DepositID           int64
	Active              bool
	Occupied            bool
	TemporarilyReserved bool
	ReservedByWave      uuid.UUID
	ReservedUntil       *time.Time
	UpdatedAt           time.Time
}

// StateKind enumerates the position state variants.
type StateKind string

const (
	// StateFree means the position can be reserved or occupied.
	StateFree StateKind = "free"
	// StateReserved means a wave holds the position until a deadline.
	StateReserved StateKind = "reserved"
	// StateOccupied means a pallet is bound to the position.
	StateOccupied StateKind = "occupied"
	// StateInactive means the position is administratively disabled.
	StateInactive StateKind = "inactive"
)

// State is the tagged variant over occupancy and reservation. Occupancy wins
// when both facts hold: a wave may claim the stock sitting at an occupied
// position, and HoldActive exposes that claim separately.
type State struct {
	Kind     StateKind
	WaveID   uuid.UUID
	Until    time.Time
	PalletID int64
}

func (s State) String() string {
	switch s.Kind {
	case StateReserved:
		return fmt.Sprintf("reserved by wave %s until %s", s.WaveID, s.Until.Format(time.RFC3339))
	default:
		return string(s.Kind)
	}
}

// State resolves the variant at the given instant. Expired holds count as free.
func (p StoragePosition) State(now time.Time) State {
	if !p.Active {
		return State{Kind: StateInactive}
	}
	if p.Occupied {
		return State{Kind: StateOccupied}
	}
	if wave, until, ok := p.Hold(now); ok {
		return State{Kind: StateReserved, WaveID: wave, Until: until}
	}
	return State{Kind: StateFree}
}

// Hold reports the active wave hold on the position, if any.
func (p StoragePosition) Hold(now time.Time) (uuid.UUID, time.Time, bool) {
	if p.TemporarilyReserved && p.ReservedUntil != nil && p.ReservedUntil.After(now) {
		return p.ReservedByWave, *p.ReservedUntil, true
	}
	return uuid.Nil, time.Time{}, false
}

// EligibleForOccupation reports whether a pallet may be bound right now.
func (p StoragePosition) EligibleForOccupation(now time.Time) bool {
	if !p.Active || p.Occupied {
		return false
	}
	_, _, held := p.Hold(now)
	return !held
}

// EligibleForHold reports whether a wave may place a hold right now. Occupied
// positions stay eligible: a hold on an occupied position claims the stock
// located there for picking.
func (p StoragePosition) EligibleForHold(now time.Time) bool {
	if !p.Active {
		return false
	}
	_, _, held := p.Hold(now)
	return !held
}

var (
	// ErrPositionNotFound indicates the position id is unknown.
	ErrPositionNotFound = errors.New("registry: position not found")
	// ErrPositionUnavailable is the umbrella rejection for ineligible positions.
	ErrPositionUnavailable = errors.New("registry: position unavailable")
	// ErrPositionOccupied rejects operations that need an empty slot.
	ErrPositionOccupied = errors.New("registry: position occupied")
	// ErrPositionReserved rejects operations blocked by another wave's hold.
	ErrPositionReserved = errors.New("registry: position reserved by another wave")
)

// UnavailableError carries the position's current state alongside the stable
// rejection kind, so callers can render an actionable message.
type UnavailableError struct {
	PositionID int64
	State      State
	reason     error
}

// NewUnavailableError builds the rejection for a position in the given state.
func NewUnavailableError(positionID int64, state State) *UnavailableError {
	reason := ErrPositionUnavailable
	switch state.Kind {
	case StateOccupied:
		reason = ErrPositionOccupied
	case StateReserved:
		reason = ErrPositionReserved
	}
	return &UnavailableError{PositionID: positionID, State: state, reason: reason}
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("registry: position %d unavailable: %s", e.PositionID, e.State)
}

// Is matches both the specific reason and the umbrella ErrPositionUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == e.reason || target == ErrPositionUnavailable
}

// Describe implements shared.Describer.
func (e *UnavailableError) Describe() shared.ErrorResponse {
	kind := "position_unavailable"
	switch e.reason {
	case ErrPositionOccupied:
		kind = "position_occupied"
	case ErrPositionReserved:
		kind = "position_reserved"
	}
	return shared.ErrorResponse{
		Kind:     kind,
		Message:  e.Error(),
		Entity:   "storage_position",
		EntityID: fmt.Sprintf("%d", e.PositionID),
		State:    string(e.State.Kind),
	}
}
