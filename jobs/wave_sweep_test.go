package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	expired   int
	completed int
	err       error
	calls     []string
}

func (f *fakeSweeper) CleanExpiredReservations(ctx context.Context) (int, error) {
	f.calls = append(f.calls, "expired")
	return f.expired, f.err
}

func (f *fakeSweeper) CleanCompletedWaveReservations(ctx context.Context) (int, error) {
	f.calls = append(f.calls, "completed")
	return f.completed, f.err
}

func TestSweepExpiredRunsService(t *testing.T) {
	sweeper := &fakeSweeper{expired: 3}
	handler := NewWaveSweeper(sweeper, nil, slog.Default())

	task, err := NewWaveSweepExpiredTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, handler.HandleSweepExpired(context.Background(), task))
	require.Equal(t, []string{"expired"}, sweeper.calls)
}

func TestSweepCompletedPropagatesError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("boom")}
	handler := NewWaveSweeper(sweeper, nil, slog.Default())

	task, err := NewWaveSweepCompletedTask(time.Now())
	require.NoError(t, err)
	require.Error(t, handler.HandleSweepCompleted(context.Background(), task))
}

func TestSweepBadPayloadSkipsRetry(t *testing.T) {
	sweeper := &fakeSweeper{}
	handler := NewWaveSweeper(sweeper, nil, slog.Default())

	task := asynq.NewTask(TaskWaveSweepExpired, []byte("not json"))
	err := handler.HandleSweepExpired(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, sweeper.calls)
}

type fakeMaintainer struct {
	refreshErr error
	verifyErr  error
}

func (f *fakeMaintainer) Refresh(ctx context.Context) error           { return f.refreshErr }
func (f *fakeMaintainer) VerifyConsistency(ctx context.Context) error { return f.verifyErr }

func TestLedgerVerifyFailsOnDrift(t *testing.T) {
	maintainer := &fakeMaintainer{verifyErr: errors.New("projection drift")}
	handler := NewLedgerMaintainer(maintainer, nil, slog.Default())

	task, err := NewLedgerVerifyTask(time.Now())
	require.NoError(t, err)
	require.Error(t, handler.HandleVerify(context.Background(), task))

	task, err = NewLedgerRefreshTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, handler.HandleRefresh(context.Background(), task))
}
