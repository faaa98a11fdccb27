package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/state"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := OpenLocal(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func signer(t *testing.T) *codec.Signer {
	t.Helper()
	s, err := codec.GenerateSigner()
	require.NoError(t, err)
	return s
}

func sign(t *testing.T, s *codec.Signer, typ string, v any) []byte {
	t.Helper()
	tx, err := s.Sign(typ, v)
	require.NoError(t, err)
	return tx
}

func TestLocalStore_ReadMissing(t *testing.T) {
	s := newLocal(t)
	_, err := s.Read(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_SubmitAndRead(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	alice := signer(t)

	require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: "d"})))
	require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxGameInit, codec.GameInitTx{GameID: "g", DashboardID: "d", Tick: 7})))

	raw, err := s.Read(ctx, "g")
	require.NoError(t, err)
	g, err := state.DecodeGameState(raw)
	require.NoError(t, err)
	require.Equal(t, state.PhaseWaiting, g.Phase)
	require.Equal(t, alice.Identity(), g.PlayerX)
	require.Equal(t, int64(7), g.KeepAlive[state.RoleX])
}

func TestLocalStore_SubmitRejected(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	alice := signer(t)

	err := s.Submit(ctx, sign(t, alice, codec.TxGameInit, codec.GameInitTx{GameID: "g", DashboardID: "missing", Tick: 1}))
	require.ErrorIs(t, err, ErrSubmissionFailed)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	require.Equal(t, codec.CodeInvalid, se.Code)
	require.Contains(t, se.Log, "dashboard not found")

	err = s.Submit(ctx, []byte("garbage"))
	require.ErrorIs(t, err, ErrSubmissionFailed)
}

func TestLocalStore_SubscribeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	alice := signer(t)
	require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: "d"})))
	require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxGameInit, codec.GameInitTx{GameID: "g", DashboardID: "d", Tick: 1})))

	got := make(chan int64, 8)
	sub, err := s.Subscribe(ctx, "g", func(b []byte) {
		g, err := state.DecodeGameState(b)
		if err == nil {
			got <- g.KeepAlive[state.RoleX]
		}
	})
	require.NoError(t, err)

	for tick := int64(2); tick <= 4; tick++ {
		require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxGameKeepAlive, codec.GameKeepAliveTx{GameID: "g", Tick: tick})))
	}
	for want := int64(2); want <= 4; want++ {
		select {
		case v := <-got:
			require.Equal(t, want, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", want)
		}
	}

	require.NoError(t, s.Unsubscribe(ctx, sub))
	require.Error(t, s.Unsubscribe(ctx, sub))

	require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxGameKeepAlive, codec.GameKeepAliveTx{GameID: "g", Tick: 5})))
	select {
	case v := <-got:
		t.Fatalf("unexpected notification after unsubscribe: %d", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalStore_RejectedTxDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	alice := signer(t)
	require.NoError(t, s.Submit(ctx, sign(t, alice, codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: "d"})))

	called := make(chan struct{}, 1)
	_, err := s.Subscribe(ctx, "d", func([]byte) { called <- struct{}{} })
	require.NoError(t, err)

	require.Error(t, s.Submit(ctx, sign(t, alice, codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: "d"})))
	select {
	case <-called:
		t.Fatal("rejected tx must not notify")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalStore_SubscribeValidates(t *testing.T) {
	s := newLocal(t)
	_, err := s.Subscribe(context.Background(), "", func([]byte) {})
	require.Error(t, err)
	_, err = s.Subscribe(context.Background(), "g", nil)
	require.Error(t, err)
}

func TestSubmitSigned_SharedSignerFromManyGoroutines(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	me := signer(t)

	const workers, perWorker = 4, 100
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				id := fmt.Sprintf("d-%d-%d", w, i)
				if err := SubmitSigned(ctx, s, me, codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: id}); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for w := range workers {
		for i := range perWorker {
			_, err := s.Read(ctx, fmt.Sprintf("d-%d-%d", w, i))
			require.NoError(t, err)
		}
	}
}

func TestSubmitError_Is(t *testing.T) {
	err := error(&SubmitError{Code: 1, Log: "invalid move"})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "invalid move")
}
