package wave

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// DemandLine is one outbound requirement: a product quantity in a deposit,
// optionally pinned to a lot. DocumentID attributes the line to the shipping
// document that raised it, so dispatch can settle only that document's holds.
type DemandLine struct {
	DocumentID int64
	ProductID  int64
	Lot        string
	DepositID  int64
	Quantity   decimal.Decimal
}

func (l DemandLine) String() string {
	lot := l.Lot
	if lot == "" {
		lot = "-"
	}
	return fmt.Sprintf("%d/%s x%s deposit %d", l.ProductID, lot, l.Quantity, l.DepositID)
}

// Candidate is a storage position holding pickable stock for a product: the
// position is active, carries a bound pallet and has no live wave hold.
type Candidate struct {
	PositionID int64
	PalletID   int64
	ProductID  int64
	Lot        string
	Quantity   decimal.Decimal
	ExpiresAt  *time.Time
	DepositID  int64
}

// Placement assigns part of one demand line to one reserved position.
type Placement struct {
	Line       DemandLine
	PositionID int64
	PalletID   int64
	Lot        string
	DepositID  int64
	Quantity   decimal.Decimal
}

// PlacementPlan is the outcome of planning one wave. Unsatisfied lines are
// reported itemized; their partial holds are rolled back before returning.
type PlacementPlan struct {
	WaveID        uuid.UUID
	ReservedUntil time.Time
	Placements    []Placement
	Unsatisfied   []DemandLine
}

// AllocationStatus tracks the lifecycle of one wave reservation row.
type AllocationStatus string

const (
	// AllocationHeld means the reservation is live and counted in
	// quantity_reserved.
	AllocationHeld AllocationStatus = "held"
	// AllocationReleased means the hold was given back without shipping.
	AllocationReleased AllocationStatus = "released"
	// AllocationConsumed means dispatch turned the hold into an outbound
	// movement.
	AllocationConsumed AllocationStatus = "consumed"
)

// Allocation is one persisted wave reservation, the durable record behind a
// position hold. quantity_reserved in the stock projection is the sum of held
// rows, which is what Refresh rebuilds it from. DocumentID scopes settlement:
// a document's dispatch consumes its own rows, never its wave siblings'.
type Allocation struct {
	ID         int64
	WaveID     uuid.UUID
	DocumentID int64
	PositionID int64
	ProductID  int64
	Lot        string
	DepositID  int64
	Quantity   decimal.Decimal
	Status     AllocationStatus
	CreatedAt  time.Time
	SettledAt  *time.Time
}

var (
	// ErrPartialFailure is the umbrella sentinel for PartialFailureError.
	ErrPartialFailure = errors.New("wave: demand partially unsatisfied")
	// ErrNoDemand indicates the wave has no pending outbound lines to plan.
	ErrNoDemand = errors.New("wave: no pending demand")
)

// PartialFailureError itemizes the demand lines no candidate set could cover.
type PartialFailureError struct {
	WaveID      uuid.UUID
	Unsatisfied []DemandLine
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("wave %s: %d demand line(s) unsatisfied", e.WaveID, len(e.Unsatisfied))
}

// Is matches the sentinel.
func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

// Describe implements shared.Describer.
func (e *PartialFailureError) Describe() shared.ErrorResponse {
	lines := make([]string, 0, len(e.Unsatisfied))
	for _, l := range e.Unsatisfied {
		lines = append(lines, l.String())
	}
	return shared.ErrorResponse{
		Kind:     "wave_partial_failure",
		Message:  e.Error(),
		Entity:   "wave",
		EntityID: e.WaveID.String(),
		Details:  lines,
	}
}

// rankCandidates orders candidates for one demand line: exact lot match and
// sufficient quantity first, then earliest expiry (FEFO, never-expiring last),
// then smallest sufficient quantity (best-fit). Insufficient candidates sort
// largest first so partial coverage needs the fewest positions.
func rankCandidates(line DemandLine, candidates []Candidate) []Candidate {
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if line.Lot != "" {
			aExact, bExact := a.Lot == line.Lot, b.Lot == line.Lot
			if aExact != bExact {
				return aExact
			}
		}
		aEnough, bEnough := a.Quantity.GreaterThanOrEqual(line.Quantity), b.Quantity.GreaterThanOrEqual(line.Quantity)
		if aEnough != bEnough {
			return aEnough
		}
		if ea, eb := a.ExpiresAt, b.ExpiresAt; ea != nil || eb != nil {
			if ea == nil {
				return false
			}
			if eb == nil {
				return true
			}
			if !ea.Equal(*eb) {
				return ea.Before(*eb)
			}
		}
		if aEnough {
			return a.Quantity.LessThan(b.Quantity)
		}
		return a.Quantity.GreaterThan(b.Quantity)
	})
	return ranked
}
