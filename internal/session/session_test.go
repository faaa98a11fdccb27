package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/ledger"
	"onchaintictactoe/internal/schedule"
	"onchaintictactoe/internal/state"
)

// flakyStore wraps a real store and can fail or swallow submissions.
type flakyStore struct {
	ledger.Store
	fail    atomic.Bool
	swallow atomic.Bool
	mute    atomic.Bool // drop push notifications
	subs    atomic.Int32
}

func (f *flakyStore) Submit(ctx context.Context, tx []byte) error {
	if f.fail.Load() {
		return &ledger.SubmitError{Code: 1, Log: "injected"}
	}
	if f.swallow.Load() {
		return nil
	}
	return f.Store.Submit(ctx, tx)
}

func (f *flakyStore) Subscribe(ctx context.Context, id string, fn func([]byte)) (ledger.Subscription, error) {
	if f.mute.Load() {
		fn = func([]byte) {}
	}
	sub, err := f.Store.Subscribe(ctx, id, fn)
	if err == nil {
		f.subs.Add(1)
	}
	return sub, err
}

func (f *flakyStore) Unsubscribe(ctx context.Context, sub ledger.Subscription) error {
	f.subs.Add(-1)
	return f.Store.Unsubscribe(ctx, sub)
}

func newStore(t *testing.T) *flakyStore {
	t.Helper()
	local, err := ledger.OpenLocal(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return &flakyStore{Store: local}
}

func newSigner(t *testing.T) *codec.Signer {
	t.Helper()
	s, err := codec.GenerateSigner()
	require.NoError(t, err)
	return s
}

func initDashboard(t *testing.T, store ledger.Store, id string) {
	t.Helper()
	tx, err := newSigner(t).Sign(codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: id})
	require.NoError(t, err)
	require.NoError(t, store.Submit(context.Background(), tx))
}

// quietOpts keeps the background heartbeat from firing during a test.
func quietOpts() Options {
	return Options{KeepAliveInterval: time.Hour}
}

func encode(t *testing.T, g state.GameState) []byte {
	t.Helper()
	b, err := state.EncodeGameState(g)
	require.NoError(t, err)
	return b
}

func closeSession(t *testing.T, s *Session) {
	t.Helper()
	t.Cleanup(func() { _ = s.Close(context.Background()) })
}

func TestIsPeerAlive(t *testing.T) {
	cases := []struct {
		ka   [2]int64
		want bool
	}{
		{[2]int64{50, 40}, true},
		{[2]int64{50, -60}, false},
		{[2]int64{0, 99}, true},
		{[2]int64{0, 100}, false},
		{[2]int64{100, 0}, false},
		{[2]int64{-99, 0}, true},
		{[2]int64{math.MaxInt64, math.MinInt64}, false},
		{[2]int64{math.MinInt64, math.MaxInt64}, false},
		{[2]int64{math.MaxInt64, math.MaxInt64 - 99}, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsPeerAlive(tc.ka), "keepAlive=%v", tc.ka)
	}
}

func TestReconcile_DerivesFlagsForO(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleO, Options{}.withDefaults())

	g := state.GameState{
		KeepAlive: [2]int64{10, 10},
		Phase:     state.PhaseOToMove,
		PlayerX:   newSigner(t).Identity(),
		PlayerO:   me.Identity(),
		Board: [9]state.Cell{
			state.CellX, state.CellO, state.CellEmpty,
			state.CellEmpty, state.CellX, state.CellEmpty,
			state.CellEmpty, state.CellEmpty, state.CellEmpty,
		},
	}
	raw := encode(t, g)
	want := Flags{InProgress: true, MyTurn: true}

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Reconcile(raw))
		require.Equal(t, want, s.Flags())
	}
	require.Equal(t, g, s.Game())
}

func TestReconcile_PhaseTable(t *testing.T) {
	me := newSigner(t)
	other := newSigner(t).Identity()
	cases := []struct {
		phase state.Phase
		role  state.Role
		want  Flags
	}{
		{state.PhaseWaiting, state.RoleX, Flags{}},
		{state.PhaseXToMove, state.RoleX, Flags{InProgress: true, MyTurn: true}},
		{state.PhaseXToMove, state.RoleO, Flags{InProgress: true}},
		{state.PhaseDraw, state.RoleO, Flags{Draw: true}},
		{state.PhaseXWon, state.RoleX, Flags{Winner: true}},
		{state.PhaseXWon, state.RoleO, Flags{}},
		{state.PhaseOWon, state.RoleO, Flags{Winner: true}},
	}
	for _, tc := range cases {
		t.Run(tc.phase.String()+"/"+tc.role.String(), func(t *testing.T) {
			s := newSession(nil, me, "d", "g", tc.role, Options{}.withDefaults())
			g := state.GameState{KeepAlive: [2]int64{5, 6}, Phase: tc.phase, PlayerX: me.Identity()}
			if tc.phase != state.PhaseWaiting {
				g.PlayerO = other
			}
			require.NoError(t, s.Reconcile(encode(t, g)))
			require.Equal(t, tc.want, s.Flags())
		})
	}
}

func TestReconcile_StalePeerOverridesInProgress(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleX, Options{}.withDefaults())

	g := state.GameState{
		KeepAlive: [2]int64{250, 150},
		Phase:     state.PhaseXToMove,
		PlayerX:   me.Identity(),
		PlayerO:   newSigner(t).Identity(),
	}
	require.NoError(t, s.Reconcile(encode(t, g)))
	f := s.Flags()
	require.False(t, f.InProgress)
	require.True(t, f.Abandoned)
	require.True(t, f.MyTurn)

	// Abandoned stays set even if the peer catches up, and an abandoned
	// session is never reported as in progress.
	g.KeepAlive[state.RoleO] = 249
	require.NoError(t, s.Reconcile(encode(t, g)))
	require.True(t, s.Flags().Abandoned)
	require.False(t, s.Flags().InProgress)
}

func TestReconcile_AbandonedIsNotInProgress(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleO, Options{}.withDefaults())
	g := state.GameState{
		KeepAlive: [2]int64{10, 10},
		Phase:     state.PhaseOToMove,
		PlayerX:   newSigner(t).Identity(),
		PlayerO:   me.Identity(),
	}
	s.Abandon()
	require.NoError(t, s.Reconcile(encode(t, g)))
	require.Equal(t, Flags{MyTurn: true, Abandoned: true}, s.Flags())
}

func TestReconcile_ConcurrentObservationsConverge(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleO, Options{}.withDefaults())
	g := state.GameState{
		KeepAlive: [2]int64{40, 41},
		Phase:     state.PhaseXToMove,
		PlayerX:   newSigner(t).Identity(),
		PlayerO:   me.Identity(),
	}
	raw := encode(t, g)

	var snaps atomic.Int32
	s.AddListener(func(snap Snapshot) {
		if snap.Flags == (Flags{InProgress: true}) {
			snaps.Add(1)
		}
	})

	// Push and poll paths delivering the same bytes at once.
	const n = 32
	errs := make(chan error, n)
	for range n {
		go func() { errs <- s.Reconcile(raw) }()
	}
	for range n {
		require.NoError(t, <-errs)
	}

	require.Equal(t, int32(n), snaps.Load())
	require.Equal(t, g, s.Game())
	require.Equal(t, Flags{InProgress: true}, s.Flags())
}

func TestReconcile_TerminalPhaseIsSticky(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleX, Options{}.withDefaults())
	var calls atomic.Int32
	s.AddListener(func(Snapshot) { calls.Add(1) })

	won := state.GameState{KeepAlive: [2]int64{1, 1}, Phase: state.PhaseXWon, PlayerX: me.Identity(), PlayerO: me.Identity()}
	require.NoError(t, s.Reconcile(encode(t, won)))

	stale := won
	stale.Phase = state.PhaseOToMove
	require.NoError(t, s.Reconcile(encode(t, stale)))

	require.Equal(t, state.PhaseXWon, s.Game().Phase)
	require.Equal(t, Flags{Winner: true}, s.Flags())
	require.Equal(t, int32(2), calls.Load())
}

func TestReconcile_MalformedIsFatal(t *testing.T) {
	s := newSession(nil, newSigner(t), "d", "g", state.RoleX, Options{}.withDefaults())
	var called bool
	s.AddListener(func(Snapshot) { called = true })

	err := s.Reconcile([]byte{1, 2, 3})
	require.ErrorIs(t, err, state.ErrMalformedState)

	raw := encode(t, state.GameState{Phase: state.PhaseWaiting, PlayerX: newSigner(t).Identity()})
	raw[17] = 42 // phase byte
	require.ErrorIs(t, s.Reconcile(raw), state.ErrMalformedState)
	require.False(t, called)
}

func TestListeners_OrderAndRemoval(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleX, Options{}.withDefaults())

	var mu sync.Mutex
	var order []string
	record := func(name string) Listener {
		return func(Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	a := s.AddListener(record("a"))
	s.AddListener(record("b"))
	s.AddListener(record("c"))

	raw := encode(t, state.NewGame(me.Identity(), 1))
	require.NoError(t, s.Reconcile(raw))
	require.True(t, s.RemoveListener(a))
	require.False(t, s.RemoveListener(a))
	require.NoError(t, s.Reconcile(raw))

	require.Equal(t, []string{"a", "b", "c", "b", "c"}, order)
}

func TestNextTick_StrictlyIncreasing(t *testing.T) {
	frozen := time.UnixMilli(12_345_678)
	s := newSession(nil, newSigner(t), "d", "g", state.RoleX, Options{Now: func() time.Time { return frozen }}.withDefaults())
	require.Equal(t, int64(123_456), s.nextTick())
	require.Equal(t, int64(123_457), s.nextTick())
	require.Equal(t, int64(123_458), s.nextTick())
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	alice := newSigner(t)

	s, err := Create(ctx, store, alice, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, s)

	require.Equal(t, state.RoleX, s.Role())
	require.Equal(t, state.PhaseWaiting, s.Game().Phase)
	require.Equal(t, Flags{}, s.Flags())
	require.Equal(t, schedule.Armed, s.KeepAliveState())
	require.Equal(t, int32(1), store.subs.Load())

	raw, err := store.Read(ctx, s.GameID())
	require.NoError(t, err)
	g, err := state.DecodeGameState(raw)
	require.NoError(t, err)
	require.Equal(t, alice.Identity(), g.PlayerX)

	dash, err := store.Read(ctx, "d")
	require.NoError(t, err)
	d, err := state.DecodeDashboardState(dash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), d.Total)
}

func TestCreate_Failure(t *testing.T) {
	store := newStore(t)
	_, err := Create(context.Background(), store, newSigner(t), "missing", quietOpts())
	require.ErrorIs(t, err, ErrCreationFailed)
	require.ErrorIs(t, err, ledger.ErrSubmissionFailed)
	require.Zero(t, store.subs.Load())
}

func TestJoin_PairsAndCreatorSeesTurn(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	x1, x2 := newSigner(t), newSigner(t)

	gameA, err := Create(ctx, store, x1, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, gameA)
	gameB, err := Create(ctx, store, x2, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, gameB)

	joined, ok, err := Join(ctx, store, x2, "d", gameA.GameID(), quietOpts())
	require.NoError(t, err)
	require.True(t, ok)
	closeSession(t, joined)
	require.Equal(t, state.RoleO, joined.Role())
	require.Equal(t, Flags{InProgress: true}, joined.Flags())
	require.Equal(t, schedule.Armed, joined.KeepAliveState())

	require.NoError(t, gameA.Refresh(ctx))
	g := gameA.Game()
	require.Equal(t, state.PhaseXToMove, g.Phase)
	require.Equal(t, x2.Identity(), g.PlayerO)
	require.Equal(t, Flags{InProgress: true, MyTurn: true}, gameA.Flags())
}

func TestJoin_LoserIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	x, winner, loser := newSigner(t), newSigner(t), newSigner(t)

	game, err := Create(ctx, store, x, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, game)

	_, ok, err := Join(ctx, store, winner, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.True(t, ok)

	s, ok, err := Join(ctx, store, loser, "d", game.GameID(), quietOpts())
	require.ErrorIs(t, err, ledger.ErrSubmissionFailed)
	require.False(t, ok)
	require.Nil(t, s)
}

func TestJoin_NotJoinableDespiteConfirmedSubmit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	x, bob, carol := newSigner(t), newSigner(t), newSigner(t)

	game, err := Create(ctx, store, x, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, game)

	// The join "succeeds" but never lands: playerO stays unset.
	store.swallow.Store(true)
	s, ok, err := Join(ctx, store, carol, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, s)
	store.swallow.Store(false)

	_, ok, err = Join(ctx, store, bob, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.True(t, ok)

	// Someone else holds O.
	store.swallow.Store(true)
	_, ok, err = Join(ctx, store, carol, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoin_SoloGame(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	me := newSigner(t)

	game, err := Create(ctx, store, me, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, game)

	solo, ok, err := Join(ctx, store, me, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.True(t, ok)
	closeSession(t, solo)

	require.NoError(t, solo.Move(ctx, 0, 0))
	require.NoError(t, solo.Refresh(ctx))
	require.Equal(t, state.PhaseOToMove, solo.Game().Phase)
	require.True(t, solo.Flags().MyTurn)
}

func TestMove_RejectedSurfacesSubmissionFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	x, o := newSigner(t), newSigner(t)

	game, err := Create(ctx, store, x, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, game)
	joined, ok, err := Join(ctx, store, o, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.True(t, ok)
	closeSession(t, joined)

	// O moving first is not its turn.
	require.ErrorIs(t, joined.Move(ctx, 1, 1), ledger.ErrSubmissionFailed)
	require.NoError(t, game.Move(ctx, 1, 1))
	require.ErrorIs(t, joined.Move(ctx, 1, 1), ledger.ErrSubmissionFailed)

	require.NoError(t, game.Refresh(ctx))
	require.Equal(t, state.CellX, game.Game().Board[4])
	require.False(t, game.Flags().MyTurn)
}

func TestPushNotificationReconciles(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")
	x, o := newSigner(t), newSigner(t)

	game, err := Create(ctx, store, x, "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, game)

	got := make(chan Snapshot, 4)
	game.AddListener(func(s Snapshot) { got <- s })

	joined, ok, err := Join(ctx, store, o, "d", game.GameID(), quietOpts())
	require.NoError(t, err)
	require.True(t, ok)
	closeSession(t, joined)

	select {
	case snap := <-got:
		require.Equal(t, state.PhaseXToMove, snap.Game.Phase)
		require.True(t, snap.Flags.InProgress)
		require.True(t, snap.Flags.MyTurn)
	case <-time.After(2 * time.Second):
		t.Fatal("no push notification")
	}
}

func TestKeepAliveTick_FailureCounting(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.mute.Store(true)
	initDashboard(t, store, "d")

	s, err := Create(ctx, store, newSigner(t), "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, s)

	var synthetic []Snapshot
	s.AddListener(func(snap Snapshot) { synthetic = append(synthetic, snap) })

	store.fail.Store(true)
	require.True(t, s.keepAliveTick(ctx))
	require.True(t, s.keepAliveTick(ctx))
	require.Equal(t, 2, s.KeepAliveFailures())

	store.fail.Store(false)
	require.True(t, s.keepAliveTick(ctx))
	require.Zero(t, s.KeepAliveFailures())

	store.fail.Store(true)
	for i := 0; i < DefaultMaxKeepAliveFailures; i++ {
		require.True(t, s.keepAliveTick(ctx))
		require.False(t, s.Flags().Disconnected)
	}
	require.Empty(t, synthetic)

	require.True(t, s.keepAliveTick(ctx))
	require.True(t, s.Flags().Disconnected)
	require.False(t, s.Flags().InProgress)
	require.Len(t, synthetic, 1)
	require.True(t, synthetic[0].Flags.Disconnected)

	// Next tick observes the disconnect, drops the subscription and exits.
	require.Equal(t, int32(1), store.subs.Load())
	require.False(t, s.keepAliveTick(ctx))
	require.Zero(t, store.subs.Load())
	require.Len(t, synthetic, 1)
}

func TestKeepAlive_AdvancesCounter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")

	s, err := Create(ctx, store, newSigner(t), "d", quietOpts())
	require.NoError(t, err)
	closeSession(t, s)
	before := s.Game().KeepAlive[state.RoleX]

	require.NoError(t, s.KeepAlive(ctx))
	require.NoError(t, s.Refresh(ctx))
	require.Greater(t, s.Game().KeepAlive[state.RoleX], before)
}

func TestKeepAliveTimer_ExitsOnAbandon(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	initDashboard(t, store, "d")

	s, err := Create(ctx, store, newSigner(t), "d", Options{KeepAliveInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	closeSession(t, s)

	s.Abandon()
	require.Eventually(t, func() bool {
		return s.KeepAliveState() == schedule.Exited
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, store.subs.Load())
	require.True(t, s.Flags().Abandoned)
}

func TestKeepAliveTimer_ExitsOnTerminalPhase(t *testing.T) {
	me := newSigner(t)
	s := newSession(nil, me, "d", "g", state.RoleX, Options{}.withDefaults())
	require.NoError(t, s.Reconcile(encode(t, state.GameState{
		KeepAlive: [2]int64{1, 1}, Phase: state.PhaseDraw, PlayerX: me.Identity(), PlayerO: me.Identity(),
	})))
	require.False(t, s.keepAliveTick(context.Background()))
}

func TestKeepAliveTimer_RunsInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newStore(t)
	initDashboard(t, store, "d")

	s, err := Create(ctx, store, newSigner(t), "d", Options{KeepAliveInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	closeSession(t, s)
	// The heartbeat is not tied to the creating context.
	cancel()

	first := s.Game().KeepAlive[state.RoleX]
	require.Eventually(t, func() bool {
		if err := s.Refresh(context.Background()); err != nil {
			return false
		}
		return s.Game().KeepAlive[state.RoleX] > first
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, schedule.Armed, s.KeepAliveState())
}

func TestErrorsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrCreationFailed, ledger.ErrSubmissionFailed))
}
