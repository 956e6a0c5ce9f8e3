package wave

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/registry"
)

type memHold struct {
	waveID uuid.UUID
	until  time.Time
}

// memRepo is an in-memory RepositoryPort plus TxRepository.
type memRepo struct {
	candidates  []Candidate
	holds       map[int64]memHold
	allocations map[int64]Allocation
	reserved    map[ledger.LevelKey]decimal.Decimal
	demand      map[uuid.UUID][]DemandLine
	docStatuses map[uuid.UUID][]string
	nextAllocID int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		holds:       make(map[int64]memHold),
		allocations: make(map[int64]Allocation),
		reserved:    make(map[ledger.LevelKey]decimal.Decimal),
		demand:      make(map[uuid.UUID][]DemandLine),
		docStatuses: make(map[uuid.UUID][]string),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memRepo) heldBy(positionID int64, now time.Time) (uuid.UUID, bool) {
	h, ok := r.holds[positionID]
	if !ok || !h.until.After(now) {
		return uuid.Nil, false
	}
	return h.waveID, true
}

func (r *memRepo) ListWaveDemand(ctx context.Context, waveID uuid.UUID) ([]DemandLine, error) {
	return r.demand[waveID], nil
}

func (r *memRepo) ListCandidates(ctx context.Context, productID, depositID int64) ([]Candidate, error) {
	now := time.Now()
	var out []Candidate
	for _, c := range r.candidates {
		if c.ProductID != productID || c.DepositID != depositID {
			continue
		}
		if _, held := r.heldBy(c.PositionID, now); held {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepo) ReservePosition(ctx context.Context, positionID int64, waveID uuid.UUID, until time.Time) error {
	now := time.Now()
	if wave, held := r.heldBy(positionID, now); held {
		state := registry.State{Kind: registry.StateReserved, WaveID: wave, Until: r.holds[positionID].until}
		return registry.NewUnavailableError(positionID, state)
	}
	r.holds[positionID] = memHold{waveID: waveID, until: until}
	return nil
}

func (r *memRepo) ReleasePosition(ctx context.Context, positionID int64) error {
	delete(r.holds, positionID)
	return nil
}

func (r *memRepo) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	r.nextAllocID++
	a.ID = r.nextAllocID
	a.Status = AllocationHeld
	a.CreatedAt = time.Now()
	r.allocations[a.ID] = a
	return a, nil
}

func (r *memRepo) ReleaseAllocation(ctx context.Context, allocationID int64) error {
	a, ok := r.allocations[allocationID]
	if ok && a.Status == AllocationHeld {
		a.Status = AllocationReleased
		r.allocations[allocationID] = a
	}
	return nil
}

func (r *memRepo) AdjustReserved(ctx context.Context, key ledger.LevelKey, delta decimal.Decimal) error {
	r.reserved[key] = r.reserved[key].Add(delta)
	return nil
}

func (r *memRepo) ListAllocations(ctx context.Context, waveID uuid.UUID) ([]Allocation, error) {
	var out []Allocation
	for id := int64(1); id <= r.nextAllocID; id++ {
		if a, ok := r.allocations[id]; ok && a.WaveID == waveID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) settleWave(waveID uuid.UUID, status AllocationStatus) int {
	settled := 0
	for id, a := range r.allocations {
		if a.WaveID != waveID || a.Status != AllocationHeld {
			continue
		}
		a.Status = status
		r.allocations[id] = a
		key := ledger.LevelKey{ProductID: a.ProductID, Lot: a.Lot, DepositID: a.DepositID}
		r.reserved[key] = r.reserved[key].Sub(a.Quantity)
		settled++
	}
	for positionID, h := range r.holds {
		if h.waveID == waveID {
			delete(r.holds, positionID)
		}
	}
	return settled
}

func (r *memRepo) ReleaseWave(ctx context.Context, waveID uuid.UUID) (int, error) {
	return r.settleWave(waveID, AllocationReleased), nil
}

func (r *memRepo) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	released := 0
	for positionID, h := range r.holds {
		if h.until.After(now) {
			continue
		}
		delete(r.holds, positionID)
		for id, a := range r.allocations {
			if a.WaveID == h.waveID && a.PositionID == positionID && a.Status == AllocationHeld {
				a.Status = AllocationReleased
				r.allocations[id] = a
				key := ledger.LevelKey{ProductID: a.ProductID, Lot: a.Lot, DepositID: a.DepositID}
				r.reserved[key] = r.reserved[key].Sub(a.Quantity)
			}
		}
		released++
	}
	return released, nil
}

func (r *memRepo) SweepCompleted(ctx context.Context) (int, error) {
	released := 0
	seen := make(map[uuid.UUID]bool)
	for _, a := range r.allocations {
		if a.Status != AllocationHeld || seen[a.WaveID] {
			continue
		}
		seen[a.WaveID] = true
		statuses := r.docStatuses[a.WaveID]
		if len(statuses) == 0 {
			continue
		}
		done := true
		for _, s := range statuses {
			if s != "dispatched" && s != "delivered" {
				done = false
				break
			}
		}
		if done {
			released += r.settleWave(a.WaveID, AllocationReleased)
		}
	}
	return released, nil
}

func newTestService(repo *memRepo) *Service {
	return NewService(repo, nil, 30*time.Minute, nil, nil, slog.Default())
}

func expiry(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestDefinePositionsPrefersExactLotThenFEFO(t *testing.T) {
	repo := newMemRepo()
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "B", Quantity: qty(50), ExpiresAt: expiry(24 * time.Hour), DepositID: 1},
		{PositionID: 2, PalletID: 12, ProductID: 7, Lot: "A", Quantity: qty(50), ExpiresAt: expiry(72 * time.Hour), DepositID: 1},
		{PositionID: 3, PalletID: 13, ProductID: 7, Lot: "A", Quantity: qty(50), ExpiresAt: expiry(48 * time.Hour), DepositID: 1},
	}
	svc := newTestService(repo)

	plan, err := svc.DefinePositions(context.Background(), uuid.New(), []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(40)}})
	require.NoError(t, err)
	require.Empty(t, plan.Unsatisfied)
	require.Len(t, plan.Placements, 1)
	// exact lot wins over the earlier-expiring lot B; within lot A, FEFO
	require.Equal(t, int64(3), plan.Placements[0].PositionID)
}

func TestDefinePositionsBestFitAmongSufficient(t *testing.T) {
	repo := newMemRepo()
	exp := expiry(24 * time.Hour)
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(100), ExpiresAt: exp, DepositID: 1},
		{PositionID: 2, PalletID: 12, ProductID: 7, Lot: "A", Quantity: qty(45), ExpiresAt: exp, DepositID: 1},
	}
	svc := newTestService(repo)

	plan, err := svc.DefinePositions(context.Background(), uuid.New(), []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(40)}})
	require.NoError(t, err)
	require.Len(t, plan.Placements, 1)
	require.Equal(t, int64(2), plan.Placements[0].PositionID)
	require.True(t, plan.Placements[0].Quantity.Equal(qty(40)))
}

func TestDefinePositionsSplitsAcrossPositions(t *testing.T) {
	repo := newMemRepo()
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(30), ExpiresAt: expiry(24 * time.Hour), DepositID: 1},
		{PositionID: 2, PalletID: 12, ProductID: 7, Lot: "A", Quantity: qty(30), ExpiresAt: expiry(48 * time.Hour), DepositID: 1},
	}
	svc := newTestService(repo)

	waveID := uuid.New()
	plan, err := svc.DefinePositions(context.Background(), waveID, []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(50)}})
	require.NoError(t, err)
	require.Empty(t, plan.Unsatisfied)
	require.Len(t, plan.Placements, 2)
	require.Equal(t, int64(1), plan.Placements[0].PositionID)
	require.True(t, plan.Placements[0].Quantity.Equal(qty(30)))
	require.True(t, plan.Placements[1].Quantity.Equal(qty(20)))

	key := ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}
	require.True(t, repo.reserved[key].Equal(qty(50)))
}

func TestDefinePositionsUnsatisfiedLineKeepsNoHolds(t *testing.T) {
	repo := newMemRepo()
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(30), ExpiresAt: expiry(24 * time.Hour), DepositID: 1},
	}
	svc := newTestService(repo)

	plan, err := svc.DefinePositions(context.Background(), uuid.New(), []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(100)}})
	require.NoError(t, err)
	require.Empty(t, plan.Placements)
	require.Len(t, plan.Unsatisfied, 1)
	require.Empty(t, repo.holds)
	key := ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}
	require.True(t, repo.reserved[key].IsZero())
}

func TestDefinePositionsSkipsPositionsHeldByOtherWave(t *testing.T) {
	repo := newMemRepo()
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(50), DepositID: 1},
		{PositionID: 2, PalletID: 12, ProductID: 7, Lot: "A", Quantity: qty(50), DepositID: 1},
	}
	repo.holds[1] = memHold{waveID: uuid.New(), until: time.Now().Add(time.Hour)}
	svc := newTestService(repo)

	plan, err := svc.DefinePositions(context.Background(), uuid.New(), []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(40)}})
	require.NoError(t, err)
	require.Len(t, plan.Placements, 1)
	require.Equal(t, int64(2), plan.Placements[0].PositionID)
}

func TestAutoAllocateReportsPartialFailureItemized(t *testing.T) {
	repo := newMemRepo()
	waveID := uuid.New()
	repo.demand[waveID] = []DemandLine{
		{DocumentID: 31, ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(20)},
		{DocumentID: 32, ProductID: 9, DepositID: 1, Quantity: qty(10)},
	}
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(50), DepositID: 1},
	}
	svc := newTestService(repo)

	plan, err := svc.AutoAllocate(context.Background(), waveID)
	require.ErrorIs(t, err, ErrPartialFailure)
	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Unsatisfied, 1)
	require.Equal(t, int64(9), partial.Unsatisfied[0].ProductID)
	// the satisfied line keeps its hold, attributed to its document
	require.Len(t, plan.Placements, 1)
	require.Len(t, repo.holds, 1)
	require.Equal(t, int64(31), repo.allocations[1].DocumentID)
}

func TestDefinePositionsConfinedToDemandDeposit(t *testing.T) {
	repo := newMemRepo()
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(50), DepositID: 2},
	}
	svc := newTestService(repo)

	plan, err := svc.DefinePositions(context.Background(), uuid.New(), []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(40)}})
	require.NoError(t, err)
	// stock sitting in another deposit cannot serve the line
	require.Empty(t, plan.Placements)
	require.Len(t, plan.Unsatisfied, 1)
	require.Empty(t, repo.holds)
}

func TestAutoAllocateNoDemand(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	_, err := svc.AutoAllocate(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNoDemand)
}

func TestResetPositionsIdempotent(t *testing.T) {
	repo := newMemRepo()
	repo.candidates = []Candidate{
		{PositionID: 1, PalletID: 11, ProductID: 7, Lot: "A", Quantity: qty(50), DepositID: 1},
	}
	svc := newTestService(repo)

	waveID := uuid.New()
	_, err := svc.DefinePositions(context.Background(), waveID, []DemandLine{{ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(40)}})
	require.NoError(t, err)

	released, err := svc.ResetPositions(context.Background(), waveID)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Empty(t, repo.holds)
	key := ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}
	require.True(t, repo.reserved[key].IsZero())

	released, err = svc.ResetPositions(context.Background(), waveID)
	require.NoError(t, err)
	require.Equal(t, 0, released)
}

func TestSweepExpiredIdempotent(t *testing.T) {
	repo := newMemRepo()
	waveID := uuid.New()
	repo.holds[1] = memHold{waveID: waveID, until: time.Now().Add(-time.Minute)}
	repo.allocations[1] = Allocation{ID: 1, WaveID: waveID, PositionID: 1, ProductID: 7, Lot: "A", DepositID: 1, Quantity: qty(40), Status: AllocationHeld}
	repo.nextAllocID = 1
	repo.reserved[ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}] = qty(40)
	svc := newTestService(repo)

	released, err := svc.CleanExpiredReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.True(t, repo.reserved[ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}].IsZero())

	released, err = svc.CleanExpiredReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, released)
}

func TestSweepExpiredLeavesLiveHolds(t *testing.T) {
	repo := newMemRepo()
	repo.holds[1] = memHold{waveID: uuid.New(), until: time.Now().Add(time.Hour)}
	svc := newTestService(repo)

	released, err := svc.CleanExpiredReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, released)
	require.Len(t, repo.holds, 1)
}

func TestSweepCompletedReleasesOnlyFinishedWaves(t *testing.T) {
	repo := newMemRepo()
	done := uuid.New()
	open := uuid.New()
	repo.holds[1] = memHold{waveID: done, until: time.Now().Add(time.Hour)}
	repo.holds[2] = memHold{waveID: open, until: time.Now().Add(time.Hour)}
	repo.allocations[1] = Allocation{ID: 1, WaveID: done, PositionID: 1, ProductID: 7, DepositID: 1, Quantity: qty(10), Status: AllocationHeld}
	repo.allocations[2] = Allocation{ID: 2, WaveID: open, PositionID: 2, ProductID: 7, DepositID: 1, Quantity: qty(10), Status: AllocationHeld}
	repo.nextAllocID = 2
	repo.docStatuses[done] = []string{"dispatched", "delivered"}
	repo.docStatuses[open] = []string{"picked"}
	svc := newTestService(repo)

	released, err := svc.CleanCompletedWaveReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, released)
	_, stillHeld := repo.holds[2]
	require.True(t, stillHeld)
	require.Equal(t, AllocationReleased, repo.allocations[1].Status)
	require.Equal(t, AllocationHeld, repo.allocations[2].Status)
}
