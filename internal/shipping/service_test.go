package shipping

import (
	"context"
	"log/slog"
	"maps"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
)

// holdKey identifies the held reservations of one document within one wave.
type holdKey struct {
	waveID uuid.UUID
	docID  int64
}

// memRepo is an in-memory RepositoryPort plus TxRepository. WithTx restores a
// snapshot on error, mirroring transaction rollback.
type memRepo struct {
	docs         map[int64]Document
	items        map[int64][]Item
	history      map[int64][]HistoryEntry
	movements    []ledger.Movement
	held         map[holdKey]int
	stock        map[ledger.LevelKey]decimal.Decimal
	nextDocID    int64
	nextItemID   int64
	nextMoveID   int64
	consumedDocs []int64
	releasedDocs []int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		docs:    make(map[int64]Document),
		items:   make(map[int64][]Item),
		history: make(map[int64][]HistoryEntry),
		held:    make(map[holdKey]int),
		stock:   make(map[ledger.LevelKey]decimal.Decimal),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	docs := maps.Clone(r.docs)
	items := maps.Clone(r.items)
	history := maps.Clone(r.history)
	held := maps.Clone(r.held)
	stock := maps.Clone(r.stock)
	movements := append([]ledger.Movement(nil), r.movements...)
	consumed := append([]int64(nil), r.consumedDocs...)
	released := append([]int64(nil), r.releasedDocs...)
	if err := fn(ctx, r); err != nil {
		r.docs = docs
		r.items = items
		r.history = history
		r.held = held
		r.stock = stock
		r.movements = movements
		r.consumedDocs = consumed
		r.releasedDocs = released
		return err
	}
	return nil
}

func (r *memRepo) GetDocument(ctx context.Context, docID int64) (Document, error) {
	d, ok := r.docs[docID]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return d, nil
}

func (r *memRepo) GetDocumentForUpdate(ctx context.Context, docID int64) (Document, error) {
	return r.GetDocument(ctx, docID)
}

func (r *memRepo) ListDocuments(ctx context.Context, status Status) ([]Document, error) {
	var out []Document
	for id := int64(1); id <= r.nextDocID; id++ {
		d, ok := r.docs[id]
		if ok && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepo) ListItems(ctx context.Context, docID int64) ([]Item, error) {
	return r.items[docID], nil
}

func (r *memRepo) ListHistory(ctx context.Context, docID int64) ([]HistoryEntry, error) {
	return r.history[docID], nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, docID int64, from, to Status) (bool, error) {
	d, ok := r.docs[docID]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now()
	r.docs[docID] = d
	return true, nil
}

func (r *memRepo) SetApproval(ctx context.Context, docID int64, approval ApprovalStatus) error {
	d := r.docs[docID]
	d.Approval = approval
	r.docs[docID] = d
	return nil
}

func (r *memRepo) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	entry.At = time.Now()
	r.history[entry.DocumentID] = append(r.history[entry.DocumentID], entry)
	return nil
}

func (r *memRepo) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	r.nextDocID++
	doc.ID = r.nextDocID
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memRepo) InsertItem(ctx context.Context, item Item) (Item, error) {
	r.nextItemID++
	item.ID = r.nextItemID
	r.items[item.DocumentID] = append(r.items[item.DocumentID], item)
	return item, nil
}

func (r *memRepo) ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	if err := m.Validate(); err != nil {
		return ledger.Movement{}, err
	}
	key := ledger.LevelKey{ProductID: m.ProductID, Lot: m.Lot, DepositID: m.DepositID}
	next := r.stock[key].Add(m.Quantity)
	if next.Sign() < 0 {
		return ledger.Movement{}, &ledger.InsufficientStockError{Key: key, Current: r.stock[key], Requested: m.Quantity}
	}
	r.stock[key] = next
	r.nextMoveID++
	m.ID = r.nextMoveID
	r.movements = append(r.movements, m)
	return m, nil
}

func (r *memRepo) ConsumeDocumentHolds(ctx context.Context, waveID uuid.UUID, docID int64) (int, error) {
	key := holdKey{waveID: waveID, docID: docID}
	n := r.held[key]
	delete(r.held, key)
	r.consumedDocs = append(r.consumedDocs, docID)
	return n, nil
}

func (r *memRepo) ReleaseDocumentHolds(ctx context.Context, waveID uuid.UUID, docID int64) (int, error) {
	key := holdKey{waveID: waveID, docID: docID}
	n := r.held[key]
	delete(r.held, key)
	r.releasedDocs = append(r.releasedDocs, docID)
	return n, nil
}

func newTestService(repo *memRepo) *Service {
	return NewService(repo, nil, nil, nil, slog.Default())
}

func seedDocument(repo *memRepo, status Status, approval ApprovalStatus, waveID *uuid.UUID) Document {
	repo.nextDocID++
	doc := Document{
		ID:        repo.nextDocID,
		Number:    "SHP-2026-000001",
		DepositID: 1,
		WaveID:    waveID,
		Status:    status,
		Approval:  approval,
		CreatedAt: time.Now(),
	}
	repo.docs[doc.ID] = doc
	repo.nextItemID++
	repo.items[doc.ID] = []Item{{
		ID:         repo.nextItemID,
		DocumentID: doc.ID,
		ProductID:  7,
		Lot:        "L1",
		Quantity:   decimal.NewFromInt(10),
		UnitValue:  decimal.NewFromInt(4),
	}}
	return doc
}

func stockKey() ledger.LevelKey {
	return ledger.LevelKey{ProductID: 7, Lot: "L1", DepositID: 1}
}

func TestPickPendingToDispatchedRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusPickPending, ApprovalApproved, nil)
	repo.stock[stockKey()] = decimal.NewFromInt(100)

	_, err := svc.Dispatch(context.Background(), doc.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusPickPending, repo.docs[doc.ID].Status)
	require.Empty(t, repo.movements)
	require.Empty(t, repo.history[doc.ID])
}

func TestDispatchRequiresApproval(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusPicked, ApprovalPending, nil)
	repo.stock[stockKey()] = decimal.NewFromInt(100)

	_, err := svc.Dispatch(context.Background(), doc.ID)
	require.ErrorIs(t, err, ErrApprovalRequired)
	require.Equal(t, StatusPicked, repo.docs[doc.ID].Status)
}

func TestDispatchEmitsOutboundAndConsumesWave(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	waveID := uuid.New()
	doc := seedDocument(repo, StatusPicked, ApprovalApproved, &waveID)
	repo.stock[stockKey()] = decimal.NewFromInt(100)
	repo.held[holdKey{waveID: waveID, docID: doc.ID}] = 2

	dispatched, err := svc.Dispatch(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, dispatched.Status)
	require.Len(t, repo.movements, 1)
	require.Equal(t, ledger.MovementOutbound, repo.movements[0].Type)
	require.True(t, repo.movements[0].Quantity.Equal(decimal.NewFromInt(-10)))
	require.True(t, repo.stock[stockKey()].Equal(decimal.NewFromInt(90)))
	require.Equal(t, []int64{doc.ID}, repo.consumedDocs)
	require.Empty(t, repo.held)
	require.Len(t, repo.history[doc.ID], 1)
	require.Equal(t, StatusPicked, repo.history[doc.ID][0].PreviousStatus)
}

func TestDispatchInsufficientStockRollsBackEverything(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	waveID := uuid.New()
	doc := seedDocument(repo, StatusPicked, ApprovalApproved, &waveID)
	repo.stock[stockKey()] = decimal.NewFromInt(3)
	repo.held[holdKey{waveID: waveID, docID: doc.ID}] = 1

	_, err := svc.Dispatch(context.Background(), doc.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	require.Equal(t, StatusPicked, repo.docs[doc.ID].Status)
	require.Empty(t, repo.movements)
	require.Empty(t, repo.history[doc.ID])
	require.Equal(t, 1, repo.held[holdKey{waveID: waveID, docID: doc.ID}])
}

func TestCancelBeforeDispatchReleasesWaveOnly(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	waveID := uuid.New()
	doc := seedDocument(repo, StatusPicked, ApprovalApproved, &waveID)
	repo.held[holdKey{waveID: waveID, docID: doc.ID}] = 2

	cancelled, err := svc.Cancel(context.Background(), doc.ID, "customer withdrew")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Empty(t, repo.movements)
	require.Equal(t, []int64{doc.ID}, repo.releasedDocs)
}

func TestDispatchSettlesOnlyOwnHoldsInSharedWave(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	waveID := uuid.New()
	first := seedDocument(repo, StatusPicked, ApprovalApproved, &waveID)
	second := seedDocument(repo, StatusPickPending, ApprovalPending, &waveID)
	repo.stock[stockKey()] = decimal.NewFromInt(100)
	repo.held[holdKey{waveID: waveID, docID: first.ID}] = 2
	repo.held[holdKey{waveID: waveID, docID: second.ID}] = 2

	_, err := svc.Dispatch(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{first.ID}, repo.consumedDocs)
	require.Zero(t, repo.held[holdKey{waveID: waveID, docID: first.ID}])
	require.Equal(t, 2, repo.held[holdKey{waveID: waveID, docID: second.ID}])
	require.Equal(t, StatusPickPending, repo.docs[second.ID].Status)
}

func TestCancelAfterDispatchAppendsCompensation(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusPicked, ApprovalApproved, nil)
	repo.stock[stockKey()] = decimal.NewFromInt(100)

	_, err := svc.Dispatch(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, repo.stock[stockKey()].Equal(decimal.NewFromInt(90)))

	_, err = svc.Cancel(context.Background(), doc.ID, "returned at gate")
	require.NoError(t, err)
	require.Len(t, repo.movements, 2)
	compensation := repo.movements[1]
	require.Equal(t, ledger.MovementAdjustment, compensation.Type)
	require.True(t, compensation.Quantity.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "shipping_cancellation", compensation.ReferenceType)
	require.True(t, repo.stock[stockKey()].Equal(decimal.NewFromInt(100)))
}

func TestCancelDeliveredRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusDelivered, ApprovalApproved, nil)

	_, err := svc.Cancel(context.Background(), doc.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApprovalLockedAfterDispatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusDispatched, ApprovalApproved, nil)

	_, err := svc.SetApproval(context.Background(), doc.ID, ApprovalRejected)
	require.ErrorIs(t, err, ErrApprovalLocked)
	require.Equal(t, ApprovalApproved, repo.docs[doc.ID].Approval)
}

func TestApprovalSettableBeforeDispatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusPicked, ApprovalPending, nil)

	updated, err := svc.SetApproval(context.Background(), doc.ID, ApprovalApproved)
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, updated.Approval)
}

func TestTransitionSequence(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusPickPending, ApprovalApproved, nil)
	repo.stock[stockKey()] = decimal.NewFromInt(100)

	_, err := svc.Transition(context.Background(), doc.ID, StatusPicked, "")
	require.NoError(t, err)
	_, err = svc.Dispatch(context.Background(), doc.ID)
	require.NoError(t, err)
	_, err = svc.Transition(context.Background(), doc.ID, StatusDelivered, "")
	require.NoError(t, err)

	history := repo.history[doc.ID]
	require.Len(t, history, 3)
	for _, e := range history {
		require.True(t, CanTransition(e.PreviousStatus, e.NewStatus))
	}
}

func TestTransitionRejectsLedgerBearingStates(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	doc := seedDocument(repo, StatusPicked, ApprovalApproved, nil)

	_, err := svc.Transition(context.Background(), doc.ID, StatusDispatched, "")
	require.Error(t, err)
	_, err = svc.Transition(context.Background(), doc.ID, StatusCancelled, "")
	require.Error(t, err)
}
