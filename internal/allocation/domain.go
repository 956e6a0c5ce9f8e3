package allocation

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Pallet is a physical unit of goods produced during receiving. Once bound it
// sits at exactly one storage position; Stocked marks whether its contents
// have entered the ledger yet.
type Pallet struct {
	ID         int64
	Code       string
	DocumentID *int64
	ProductID  int64
	Lot        string
	Quantity   decimal.Decimal
	UnitValue  decimal.Decimal
	ExpiresAt  *time.Time
	DepositID  int64
	Stocked    bool
	CreatedAt  time.Time
}

// PalletBinding links one pallet to one position, 1:1 both ways.
type PalletBinding struct {
	ID          int64
	PalletID    int64
	PositionID  int64
	AllocatedAt time.Time
	AllocatedBy string
	Notes       string
}

var (
	// ErrPalletNotFound indicates the pallet id is unknown.
	ErrPalletNotFound = errors.New("allocation: pallet not found")
	// ErrPalletAlreadyBound rejects allocating a pallet that has a binding.
	ErrPalletAlreadyBound = errors.New("allocation: pallet already bound")
	// ErrBindingNotFound indicates no binding exists for the pallet.
	ErrBindingNotFound = errors.New("allocation: binding not found")
	// ErrPalletAlreadyStocked rejects creating stock twice for one pallet.
	ErrPalletAlreadyStocked = errors.New("allocation: pallet stock already created")
)

// BoundError reports where the pallet currently sits.
type BoundError struct {
	PalletID   int64
	PositionID int64
}

func (e *BoundError) Error() string {
	return fmt.Sprintf("allocation: pallet %d already bound to position %d", e.PalletID, e.PositionID)
}

// Is matches the sentinel.
func (e *BoundError) Is(target error) bool { return target == ErrPalletAlreadyBound }

// Describe implements shared.Describer.
func (e *BoundError) Describe() shared.ErrorResponse {
	return shared.ErrorResponse{
		Kind:     "pallet_already_bound",
		Message:  e.Error(),
		Entity:   "pallet",
		EntityID: strconv.FormatInt(e.PalletID, 10),
		State:    fmt.Sprintf("bound to position %d", e.PositionID),
	}
}
