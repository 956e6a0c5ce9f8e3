package allocation

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/registry"
)

// memRepo is an in-memory TxRepository. WithTx holds the lock for the whole
// callback and restores a snapshot on error, mirroring transaction rollback.
type memRepo struct {
	mu             sync.Mutex
	pallets        map[int64]Pallet
	positions      map[int64]registry.StoragePosition
	bindings       map[int64]PalletBinding
	movements      []ledger.Movement
	nextBindingID  int64
	nextMovementID int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		pallets:   make(map[int64]Pallet),
		positions: make(map[int64]registry.StoragePosition),
		bindings:  make(map[int64]PalletBinding),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pallets := maps.Clone(r.pallets)
	positions := maps.Clone(r.positions)
	bindings := maps.Clone(r.bindings)
	movements := append([]ledger.Movement(nil), r.movements...)
	if err := fn(ctx, r); err != nil {
		r.pallets = pallets
		r.positions = positions
		r.bindings = bindings
		r.movements = movements
		return err
	}
	return nil
}

func (r *memRepo) GetBinding(ctx context.Context, palletID int64) (PalletBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findBinding(palletID)
}

func (r *memRepo) findBinding(palletID int64) (PalletBinding, error) {
	for _, b := range r.bindings {
		if b.PalletID == palletID {
			return b, nil
		}
	}
	return PalletBinding{}, ErrBindingNotFound
}

func (r *memRepo) GetPalletForUpdate(ctx context.Context, palletID int64) (Pallet, error) {
	p, ok := r.pallets[palletID]
	if !ok {
		return Pallet{}, ErrPalletNotFound
	}
	return p, nil
}

func (r *memRepo) GetBindingForUpdate(ctx context.Context, palletID int64) (PalletBinding, error) {
	return r.findBinding(palletID)
}

func (r *memRepo) InsertBinding(ctx context.Context, binding PalletBinding) (PalletBinding, error) {
	r.nextBindingID++
	binding.ID = r.nextBindingID
	binding.AllocatedAt = time.Now()
	r.bindings[binding.ID] = binding
	return binding, nil
}

func (r *memRepo) UpdateBindingPosition(ctx context.Context, bindingID, positionID int64, notes string) error {
	b, ok := r.bindings[bindingID]
	if !ok {
		return ErrBindingNotFound
	}
	b.PositionID = positionID
	b.Notes = notes
	r.bindings[bindingID] = b
	return nil
}

func (r *memRepo) DeleteBinding(ctx context.Context, bindingID int64) error {
	delete(r.bindings, bindingID)
	return nil
}

func (r *memRepo) MarkPalletStocked(ctx context.Context, palletID int64) error {
	p := r.pallets[palletID]
	p.Stocked = true
	r.pallets[palletID] = p
	return nil
}

func (r *memRepo) MovePalletDeposit(ctx context.Context, palletID, depositID int64) error {
	p := r.pallets[palletID]
	p.DepositID = depositID
	r.pallets[palletID] = p
	return nil
}

func (r *memRepo) GetPosition(ctx context.Context, positionID int64) (registry.StoragePosition, error) {
	p, ok := r.positions[positionID]
	if !ok {
		return registry.StoragePosition{}, registry.ErrPositionNotFound
	}
	return p, nil
}

func (r *memRepo) OccupyPosition(ctx context.Context, positionID int64) error {
	p, ok := r.positions[positionID]
	if !ok {
		return registry.ErrPositionNotFound
	}
	now := time.Now()
	if !p.EligibleForOccupation(now) {
		return registry.NewUnavailableError(positionID, p.State(now))
	}
	p.Occupied = true
	r.positions[positionID] = p
	return nil
}

func (r *memRepo) FreePosition(ctx context.Context, positionID int64) error {
	p, ok := r.positions[positionID]
	if !ok {
		return registry.ErrPositionNotFound
	}
	p.Occupied = false
	r.positions[positionID] = p
	return nil
}

func (r *memRepo) ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	if err := m.Validate(); err != nil {
		return ledger.Movement{}, err
	}
	key := ledger.LevelKey{ProductID: m.ProductID, Lot: m.Lot, DepositID: m.DepositID}
	current := ledger.FoldMovements(r.movements)[key].QuantityCurrent
	if current.Add(m.Quantity).Sign() < 0 {
		return ledger.Movement{}, &ledger.InsufficientStockError{Key: key, Current: current, Requested: m.Quantity}
	}
	r.nextMovementID++
	m.ID = r.nextMovementID
	m.OccurredAt = time.Now()
	r.movements = append(r.movements, m)
	return m, nil
}

func newTestService(repo *memRepo) *Service {
	return NewService(repo, nil, nil, slog.Default())
}

func seedPallet(repo *memRepo, id int64, stocked bool) {
	repo.pallets[id] = Pallet{
		ID:        id,
		Code:      "PAL-1",
		ProductID: 7,
		Lot:       "L-2026-01",
		Quantity:  decimal.NewFromInt(40),
		UnitValue: decimal.NewFromFloat(12.5),
		DepositID: 1,
		Stocked:   stocked,
	}
}

func seedPosition(repo *memRepo, id, depositID int64) {
	repo.positions[id] = registry.StoragePosition{ID: id, Code: "A-01-01", DepositID: depositID, Active: true}
}

func TestAllocateBindsAndCreatesStock(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, false)
	seedPosition(repo, 10, 1)
	svc := newTestService(repo)

	binding, err := svc.Allocate(context.Background(), 1, 10, "putaway")
	require.NoError(t, err)
	require.Equal(t, int64(1), binding.PalletID)
	require.Equal(t, int64(10), binding.PositionID)

	require.True(t, repo.positions[10].Occupied)
	require.True(t, repo.pallets[1].Stocked)
	require.Len(t, repo.movements, 1)
	require.Equal(t, ledger.MovementInbound, repo.movements[0].Type)
	require.True(t, repo.movements[0].Quantity.Equal(decimal.NewFromInt(40)))
}

func TestAllocateStockedPalletSkipsLedger(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPosition(repo, 10, 1)
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	require.Empty(t, repo.movements)
}

func TestAllocateRejectsOccupiedPosition(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPosition(repo, 10, 1)
	pos := repo.positions[10]
	pos.Occupied = true
	repo.positions[10] = pos
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.ErrorIs(t, err, registry.ErrPositionOccupied)
	require.ErrorIs(t, err, registry.ErrPositionUnavailable)
	_, err = repo.GetBinding(context.Background(), 1)
	require.ErrorIs(t, err, ErrBindingNotFound)
}

func TestAllocateRejectsHeldPosition(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPosition(repo, 10, 1)
	until := time.Now().Add(10 * time.Minute)
	pos := repo.positions[10]
	pos.TemporarilyReserved = true
	pos.ReservedByWave = uuid.New()
	pos.ReservedUntil = &until
	repo.positions[10] = pos
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.ErrorIs(t, err, registry.ErrPositionReserved)
}

func TestAllocateExpiredHoldSucceeds(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPosition(repo, 10, 1)
	until := time.Now().Add(-time.Minute)
	pos := repo.positions[10]
	pos.TemporarilyReserved = true
	pos.ReservedByWave = uuid.New()
	pos.ReservedUntil = &until
	repo.positions[10] = pos
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	require.True(t, repo.positions[10].Occupied)
}

func TestAllocateRejectsBoundPallet(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPosition(repo, 10, 1)
	seedPosition(repo, 11, 1)
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	_, err = svc.Allocate(context.Background(), 1, 11, "")
	require.ErrorIs(t, err, ErrPalletAlreadyBound)
	require.False(t, repo.positions[11].Occupied)
}

func TestReallocateMovesBinding(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, false)
	seedPosition(repo, 10, 1)
	seedPosition(repo, 11, 1)
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	binding, err := svc.Reallocate(context.Background(), 1, 11, "slotting")
	require.NoError(t, err)
	require.Equal(t, int64(11), binding.PositionID)
	require.False(t, repo.positions[10].Occupied)
	require.True(t, repo.positions[11].Occupied)
	// same deposit, no extra ledger rows beyond the initial inbound
	require.Len(t, repo.movements, 1)
}

func TestReallocateAcrossDepositsMovesStock(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, false)
	seedPosition(repo, 10, 1)
	seedPosition(repo, 20, 2)
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	_, err = svc.Reallocate(context.Background(), 1, 20, "")
	require.NoError(t, err)

	require.Equal(t, int64(2), repo.pallets[1].DepositID)
	require.Len(t, repo.movements, 3)

	levels := ledger.FoldMovements(repo.movements)
	from := levels[ledger.LevelKey{ProductID: 7, Lot: "L-2026-01", DepositID: 1}]
	to := levels[ledger.LevelKey{ProductID: 7, Lot: "L-2026-01", DepositID: 2}]
	require.True(t, from.QuantityCurrent.IsZero())
	require.True(t, to.QuantityCurrent.Equal(decimal.NewFromInt(40)))
}

func TestReallocateFailureLeavesOldBinding(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPallet(repo, 2, true)
	seedPosition(repo, 10, 1)
	seedPosition(repo, 11, 1)
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	_, err = svc.Allocate(context.Background(), 2, 11, "")
	require.NoError(t, err)

	_, err = svc.Reallocate(context.Background(), 1, 11, "")
	require.ErrorIs(t, err, registry.ErrPositionOccupied)

	binding, err := svc.GetBinding(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), binding.PositionID)
	require.True(t, repo.positions[10].Occupied)
}

func TestRemoveFreesPositionWithoutLedgerChange(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, false)
	seedPosition(repo, 10, 1)
	svc := newTestService(repo)

	_, err := svc.Allocate(context.Background(), 1, 10, "")
	require.NoError(t, err)
	movementsBefore := len(repo.movements)

	require.NoError(t, svc.Remove(context.Background(), 1))
	require.False(t, repo.positions[10].Occupied)
	require.Len(t, repo.movements, movementsBefore)
	_, err = svc.GetBinding(context.Background(), 1)
	require.ErrorIs(t, err, ErrBindingNotFound)
}

func TestCompleteAllocationRejectsStockedPallet(t *testing.T) {
	repo := newMemRepo()
	seedPallet(repo, 1, true)
	seedPosition(repo, 10, 1)
	svc := newTestService(repo)

	_, err := svc.CompleteAllocationAndCreateStock(context.Background(), 1, 10, "")
	require.ErrorIs(t, err, ErrPalletAlreadyStocked)
	require.False(t, repo.positions[10].Occupied)
}

func TestConcurrentAllocateSingleWinner(t *testing.T) {
	repo := newMemRepo()
	seedPosition(repo, 10, 1)
	const contenders = 8
	for i := int64(1); i <= contenders; i++ {
		seedPallet(repo, i, true)
	}
	svc := newTestService(repo)

	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Allocate(context.Background(), int64(i+1), 10, "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, registry.ErrPositionUnavailable)
		}
	}
	require.Equal(t, 1, winners)
	require.True(t, repo.positions[10].Occupied)
}
