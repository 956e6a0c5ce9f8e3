package count

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/catalog"
	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

type taskKey struct {
	sessionID  int64
	positionID int64
}

type memRepo struct {
	mu          sync.Mutex
	nextID      int64
	sessions    map[int64]Session
	tasks       map[taskKey]Task
	scans       map[int64]Scan
	divergences map[int64]Divergence
	stock       map[ledger.LevelKey]ledger.Projection
	movements   []ledger.Movement
}

func newMemRepo() *memRepo {
	return &memRepo{
		nextID:      1,
		sessions:    map[int64]Session{},
		tasks:       map[taskKey]Task{},
		scans:       map[int64]Scan{},
		divergences: map[int64]Divergence{},
		stock:       map[ledger.LevelKey]ledger.Projection{},
	}
}

func (m *memRepo) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := maps.Clone(m.sessions)
	tasks := maps.Clone(m.tasks)
	scans := maps.Clone(m.scans)
	divergences := maps.Clone(m.divergences)
	stock := maps.Clone(m.stock)
	movements := append([]ledger.Movement(nil), m.movements...)
	nextID := m.nextID
	if err := fn(ctx, (*memTx)(m)); err != nil {
		m.sessions = sessions
		m.tasks = tasks
		m.scans = scans
		m.divergences = divergences
		m.stock = stock
		m.movements = movements
		m.nextID = nextID
		return err
	}
	return nil
}

func (m *memRepo) GetSession(ctx context.Context, sessionID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memRepo) ListSessions(ctx context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memRepo) ListTasks(ctx context.Context, sessionID int64) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memRepo) ListDivergences(ctx context.Context, sessionID int64) ([]Divergence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Divergence
	for _, d := range m.divergences {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}

type memTx memRepo

func (m *memTx) GetSessionForUpdate(ctx context.Context, sessionID int64) (Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memTx) InsertSession(ctx context.Context, s Session) (Session, error) {
	s.ID = (*memRepo)(m).id()
	s.CreatedAt = time.Now()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memTx) UpdateSessionStatus(ctx context.Context, sessionID int64, from, to SessionStatus) (bool, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	if to == SessionCompleted {
		now := time.Now()
		s.CompletedAt = &now
	}
	m.sessions[sessionID] = s
	return true, nil
}

func (m *memTx) IncrementCounted(ctx context.Context, sessionID int64) (Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s.CountedPositions++
	m.sessions[sessionID] = s
	return s, nil
}

func (m *memTx) GetTaskForUpdate(ctx context.Context, sessionID, positionID int64) (Task, error) {
	t, ok := m.tasks[taskKey{sessionID, positionID}]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *memTx) InsertTask(ctx context.Context, t Task) error {
	m.tasks[taskKey{t.SessionID, t.PositionID}] = t
	return nil
}

func (m *memTx) ClaimTask(ctx context.Context, sessionID, positionID int64, actor string) (bool, error) {
	key := taskKey{sessionID, positionID}
	t, ok := m.tasks[key]
	if !ok || t.Status != TaskPending {
		return false, nil
	}
	now := time.Now()
	t.Status = TaskInProgress
	t.CountedBy = actor
	t.StartedAt = &now
	m.tasks[key] = t
	return true, nil
}

func (m *memTx) CompleteTask(ctx context.Context, sessionID, positionID int64) (bool, error) {
	key := taskKey{sessionID, positionID}
	t, ok := m.tasks[key]
	if !ok || t.Status != TaskInProgress {
		return false, nil
	}
	now := time.Now()
	t.Status = TaskCompleted
	t.CompletedAt = &now
	m.tasks[key] = t
	return true, nil
}

func (m *memTx) SystemQuantity(ctx context.Context, key ledger.LevelKey) (ledger.Projection, error) {
	p, ok := m.stock[key]
	if !ok {
		return ledger.Projection{LevelKey: key}, nil
	}
	return p, nil
}

func (m *memTx) QuantityInOtherLots(ctx context.Context, productID, depositID int64, lot string) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, p := range m.stock {
		if key.ProductID == productID && key.DepositID == depositID && key.Lot != lot {
			total = total.Add(p.QuantityCurrent)
		}
	}
	return total, nil
}

func (m *memTx) InsertScan(ctx context.Context, s Scan) (Scan, error) {
	s.ID = (*memRepo)(m).id()
	s.At = time.Now()
	m.scans[s.ID] = s
	return s, nil
}

func (m *memTx) InsertDivergence(ctx context.Context, d Divergence) (Divergence, error) {
	d.ID = (*memRepo)(m).id()
	d.Status = DivergenceOpen
	d.CreatedAt = time.Now()
	m.divergences[d.ID] = d
	return d, nil
}

func (m *memTx) GetDivergenceForUpdate(ctx context.Context, divergenceID int64) (Divergence, error) {
	d, ok := m.divergences[divergenceID]
	if !ok {
		return Divergence{}, ErrDivergenceNotFound
	}
	return d, nil
}

func (m *memTx) UpdateDivergence(ctx context.Context, d Divergence) error {
	if _, ok := m.divergences[d.ID]; !ok {
		return ErrDivergenceNotFound
	}
	m.divergences[d.ID] = d
	return nil
}

func (m *memTx) ApplyMovement(ctx context.Context, mv ledger.Movement) (ledger.Movement, error) {
	if err := mv.Validate(); err != nil {
		return ledger.Movement{}, err
	}
	key := ledger.LevelKey{ProductID: mv.ProductID, Lot: mv.Lot, DepositID: mv.DepositID}
	p := m.stock[key]
	p.LevelKey = key
	p.QuantityCurrent = p.QuantityCurrent.Add(mv.Quantity)
	if p.QuantityCurrent.Sign() < 0 {
		return ledger.Movement{}, &ledger.InsufficientStockError{Key: key}
	}
	m.stock[key] = p
	mv.ID = (*memRepo)(m).id()
	m.movements = append(m.movements, mv)
	return mv, nil
}

type fakeCatalog struct {
	products map[string]catalog.Product
}

func (f *fakeCatalog) GetProductByBarcode(ctx context.Context, barcode string) (catalog.Product, error) {
	p, ok := f.products[barcode]
	if !ok {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	return p, nil
}

type fakeNumbers struct{ n int }

func (f *fakeNumbers) Next(ctx context.Context, scope string) (string, error) {
	f.n++
	return scope + "-2026-000001", nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(repo *memRepo) *Service {
	cat := &fakeCatalog{products: map[string]catalog.Product{
		"789100": {ID: 7, SKU: "SKU-7", Barcode: "789100", Name: "Widget"},
	}}
	return NewService(repo, cat, &fakeNumbers{}, nil, slog.Default())
}

func actorCtx(name string) context.Context {
	return shared.ContextWithActor(context.Background(), name)
}

func createSession(t *testing.T, svc *Service, positions ...int64) Session {
	t.Helper()
	session, err := svc.CreateSession(actorCtx("ana"), 1, positions)
	require.NoError(t, err)
	return session
}

func TestCreateSessionSeedsPendingTasks(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	session := createSession(t, svc, 101, 102, 103)

	require.Equal(t, "INV-2026-000001", session.Number)
	require.Equal(t, SessionStarted, session.Status)
	require.Equal(t, 3, session.TotalPositions)
	require.Equal(t, 0, session.CountedPositions)

	tasks, err := repo.ListTasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.Equal(t, TaskPending, task.Status)
	}
}

func TestStartTaskSingleOperatorWins(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	session := createSession(t, svc, 101)

	task, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)
	require.Equal(t, TaskInProgress, task.Status)
	require.Equal(t, "ana", task.CountedBy)

	_, err = svc.StartTask(actorCtx("bruno"), session.ID, 101)
	require.ErrorIs(t, err, ErrTaskAlreadyStarted)
	var started *TaskStartedError
	require.ErrorAs(t, err, &started)
	require.Equal(t, "ana", started.CountedBy)

	got, err := repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, SessionInProgress, got.Status)
}

func TestStartTaskConcurrentClaims(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	session := createSession(t, svc, 101)

	const operators = 8
	errs := make(chan error, operators)
	var wg sync.WaitGroup
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.StartTask(actorCtx("op"), session.ID, 101)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var winners, losers int
	for err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.ErrorIs(t, err, ErrTaskAlreadyStarted)
		losers++
	}
	require.Equal(t, 1, winners)
	require.Equal(t, operators-1, losers)
}

func TestRecordScanMatchingQuantityNoDivergence(t *testing.T) {
	repo := newMemRepo()
	repo.stock[ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}] = ledger.Projection{
		LevelKey:        ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1},
		QuantityCurrent: dec("100"),
	}
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)

	scan, divergence, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("100"))
	require.NoError(t, err)
	require.Nil(t, divergence)
	require.True(t, scan.QuantitySystem.Equal(dec("100")))
	require.Empty(t, repo.divergences)
}

func TestRecordScanShortageWithValueImpact(t *testing.T) {
	repo := newMemRepo()
	repo.stock[ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}] = ledger.Projection{
		LevelKey:        ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1},
		QuantityCurrent: dec("100"),
		AverageValue:    dec("2.50"),
	}
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)

	_, divergence, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("92"))
	require.NoError(t, err)
	require.NotNil(t, divergence)
	require.True(t, divergence.Difference.Equal(dec("-8")))
	require.Equal(t, ClassShortage, divergence.Classification)
	require.True(t, divergence.ValueImpact.Equal(dec("-20")))
	require.Equal(t, DivergenceOpen, divergence.Status)
}

func TestRecordScanSurplus(t *testing.T) {
	repo := newMemRepo()
	repo.stock[ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}] = ledger.Projection{
		LevelKey:        ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1},
		QuantityCurrent: dec("40"),
	}
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)

	_, divergence, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("45"))
	require.NoError(t, err)
	require.NotNil(t, divergence)
	require.Equal(t, ClassSurplus, divergence.Classification)
	require.True(t, divergence.Difference.Equal(dec("5")))
}

func TestRecordScanLotMismatch(t *testing.T) {
	repo := newMemRepo()
	repo.stock[ledger.LevelKey{ProductID: 7, Lot: "B", DepositID: 1}] = ledger.Projection{
		LevelKey:        ledger.LevelKey{ProductID: 7, Lot: "B", DepositID: 1},
		QuantityCurrent: dec("60"),
	}
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)

	// Lot A has no recorded stock but lot B does at this deposit.
	_, divergence, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("60"))
	require.NoError(t, err)
	require.NotNil(t, divergence)
	require.Equal(t, ClassLotMismatch, divergence.Classification)
}

func TestRecordScanRequiresClaimedTask(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	session := createSession(t, svc, 101)

	_, _, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("10"))
	require.ErrorIs(t, err, ErrTaskNotInProgress)
}

func TestRecordScanUnknownBarcode(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)

	_, _, err = svc.RecordScan(actorCtx("ana"), session.ID, 101, "000000", "A", dec("10"))
	require.ErrorIs(t, err, catalog.ErrProductNotFound)
	require.Empty(t, repo.scans)
}

func TestCompleteLastTaskCompletesSession(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	session := createSession(t, svc, 101, 102)

	for _, positionID := range []int64{101, 102} {
		_, err := svc.StartTask(actorCtx("ana"), session.ID, positionID)
		require.NoError(t, err)
	}

	got, err := svc.CompleteTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)
	require.Equal(t, SessionInProgress, got.Status)
	require.Equal(t, 1, got.CountedPositions)
	require.InDelta(t, 0.5, got.PercentComplete(), 1e-9)

	got, err = svc.CompleteTask(actorCtx("ana"), session.ID, 102)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.InDelta(t, 1.0, got.PercentComplete(), 1e-9)

	_, _, err = svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("1"))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestCompleteTaskTwiceRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	session := createSession(t, svc, 101, 102)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)

	_, err = svc.CompleteTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)
	_, err = svc.CompleteTask(actorCtx("ana"), session.ID, 101)
	require.ErrorIs(t, err, ErrTaskCompleted)

	got, err := repo.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CountedPositions)
}

func TestJustifyThenAdjustDivergence(t *testing.T) {
	repo := newMemRepo()
	key := ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}
	repo.stock[key] = ledger.Projection{LevelKey: key, QuantityCurrent: dec("100"), AverageValue: dec("2.50")}
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)
	_, divergence, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("92"))
	require.NoError(t, err)
	require.NotNil(t, divergence)

	justified, err := svc.JustifyDivergence(actorCtx("carla"), divergence.ID, "pallet damaged in transit")
	require.NoError(t, err)
	require.Equal(t, DivergenceJustified, justified.Status)
	require.Equal(t, "pallet damaged in transit", justified.Justification)

	adjusted, err := svc.AdjustDivergence(actorCtx("carla"), divergence.ID)
	require.NoError(t, err)
	require.Equal(t, DivergenceAdjusted, adjusted.Status)

	require.Len(t, repo.movements, 1)
	movement := repo.movements[0]
	require.Equal(t, ledger.MovementAdjustment, movement.Type)
	require.True(t, movement.Quantity.Equal(dec("-8")))
	require.Equal(t, "count_divergence", movement.ReferenceType)
	require.True(t, repo.stock[key].QuantityCurrent.Equal(dec("92")))
}

func TestAdjustDivergenceIdempotentGuard(t *testing.T) {
	repo := newMemRepo()
	key := ledger.LevelKey{ProductID: 7, Lot: "A", DepositID: 1}
	repo.stock[key] = ledger.Projection{LevelKey: key, QuantityCurrent: dec("100")}
	svc := newTestService(repo)
	session := createSession(t, svc, 101)
	_, err := svc.StartTask(actorCtx("ana"), session.ID, 101)
	require.NoError(t, err)
	_, divergence, err := svc.RecordScan(actorCtx("ana"), session.ID, 101, "789100", "A", dec("95"))
	require.NoError(t, err)

	_, err = svc.AdjustDivergence(actorCtx("ana"), divergence.ID)
	require.NoError(t, err)
	_, err = svc.AdjustDivergence(actorCtx("ana"), divergence.ID)
	require.ErrorIs(t, err, ErrDivergenceClosed)
	require.Len(t, repo.movements, 1)

	_, err = svc.JustifyDivergence(actorCtx("ana"), divergence.ID, "too late")
	require.ErrorIs(t, err, ErrDivergenceClosed)
}

func TestJustifyRequiresText(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	_, err := svc.JustifyDivergence(actorCtx("ana"), 1, "")
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}
