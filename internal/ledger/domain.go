package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// MovementType enumerates ledger movement kinds.
type MovementType string

const (
	// MovementInbound records stock arriving into a deposit.
	MovementInbound MovementType = "inbound"
	// MovementOutbound records stock leaving a deposit.
	MovementOutbound MovementType = "outbound"
	// MovementAdjustment records a signed correction, including the
	// compensating entries written on cancellation and count adjustment.
	MovementAdjustment MovementType = "adjustment"
)

// Movement is one append-only ledger row. Rows are immutable once written;
// corrections happen through compensating adjustment rows only.
type Movement struct {
	ID            int64
	Type          MovementType
	ProductID     int64
	Lot           string
	DepositID     int64
	Quantity      decimal.Decimal // signed by type
	UnitValue     decimal.Decimal
	OccurredAt    time.Time
	ReferenceType string
	ReferenceID   string
	Actor         string
	CreatedAt     time.Time
}

// Validate enforces the sign convention per movement type.
func (m Movement) Validate() error {
	if m.ProductID == 0 || m.DepositID == 0 {
		return errors.New("ledger: product and deposit required")
	}
	switch m.Type {
	case MovementInbound:
		if m.Quantity.Sign() <= 0 {
			return fmt.Errorf("ledger: inbound quantity must be positive, got %s", m.Quantity)
		}
	case MovementOutbound:
		if m.Quantity.Sign() >= 0 {
			return fmt.Errorf("ledger: outbound quantity must be negative, got %s", m.Quantity)
		}
	case MovementAdjustment:
		if m.Quantity.Sign() == 0 {
			return errors.New("ledger: adjustment quantity must be non zero")
		}
	default:
		return fmt.Errorf("ledger: unknown movement type %q", m.Type)
	}
	if m.UnitValue.Sign() < 0 {
		return errors.New("ledger: unit value must be >= 0")
	}
	return nil
}

// LevelKey identifies one stock projection bucket.
type LevelKey struct {
	ProductID int64
	Lot       string
	DepositID int64
}

func (k LevelKey) String() string {
	lot := k.Lot
	if lot == "" {
		lot = "-"
	}
	return fmt.Sprintf("%d/%s/%d", k.ProductID, lot, k.DepositID)
}

// Projection is the derived stock aggregate for one key. It must always equal
// the fold of the movement rows for that key; Refresh rebuilds it from scratch
// as a consistency repair.
type Projection struct {
	LevelKey
	QuantityCurrent  decimal.Decimal
	QuantityReserved decimal.Decimal
	AverageValue     decimal.Decimal
	UpdatedAt        time.Time
}

// QuantityAvailable is current minus the reservations held by in-flight waves.
func (p Projection) QuantityAvailable() decimal.Decimal {
	return p.QuantityCurrent.Sub(p.QuantityReserved)
}

// InsufficientStockError rejects movements that would drive a level negative.
type InsufficientStockError struct {
	Key       LevelKey
	Current   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock for %s: current %s, movement %s", e.Key, e.Current, e.Requested)
}

// Is matches the sentinel.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Describe implements shared.Describer.
func (e *InsufficientStockError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:     "insufficient_stock",
		Message:  e.Error(),
		Entity:   "stock_level",
		EntityID: e.Key.String(),
		State:    e.Current.String(),
	}
}

// ErrInsufficientStock is the umbrella sentinel for InsufficientStockError.
var ErrInsufficientStock = errors.New("ledger: insufficient stock")

// Violation is one projection bucket that disagrees with the ledger fold.
type Violation struct {
	Key               LevelKey
	ProjectedQuantity decimal.Decimal
	LedgerQuantity    decimal.Decimal
}

// ConsistencyError reports projection/ledger disagreement. It is surfaced to
// the caller, never auto-silenced.
type ConsistencyError struct {
	Violations []Violation
}

func (e *ConsistencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ledger: projection disagrees with ledger fold on %d key(s):", len(e.Violations))
	for _, v := range e.Violations {
		fmt.Fprintf(&b, " [%s projected=%s ledger=%s]", v.Key, v.ProjectedQuantity, v.LedgerQuantity)
	}
	return b.String()
}

// Describe implements shared.Describer.
func (e *ConsistencyError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:    "consistency_violation",
		Message: e.Error(),
		Entity:  "stock_level",
		Details: e.Violations,
	}
}

// FoldMovements replays movements in order and returns the projection each key
// should hold. Refresh and Verify share this fold with the incremental path so
// the two can never drift apart by construction.
func FoldMovements(movements []Movement) map[LevelKey]Projection {
	levels := make(map[LevelKey]Projection)
	for _, m := range movements {
		key := LevelKey{ProductID: m.ProductID, Lot: m.Lot, DepositID: m.DepositID}
		level, ok := levels[key]
		if !ok {
			level = Projection{LevelKey: key}
		}
		level.QuantityCurrent, level.AverageValue = applyToLevel(level.QuantityCurrent, level.AverageValue, m)
		levels[key] = level
	}
	return levels
}

// applyToLevel advances one level by one movement: signed quantity added,
// weighted-average value updated on positive movements carrying a unit value.
func applyToLevel(current, average decimal.Decimal, m Movement) (decimal.Decimal, decimal.Decimal) {
	next := current.Add(m.Quantity)
	if m.Quantity.Sign() > 0 && next.Sign() > 0 && m.UnitValue.Sign() > 0 {
		carried := current.Mul(average)
		added := m.Quantity.Mul(m.UnitValue)
		average = carried.Add(added).Div(next)
	}
	return next, average
}
