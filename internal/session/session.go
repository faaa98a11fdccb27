// Package session keeps one player's view of one game in sync with the
// ledger and runs the keepalive heartbeat for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/ledger"
	"onchaintictactoe/internal/schedule"
	"onchaintictactoe/internal/state"
)

const (
	DefaultKeepAliveInterval    = 2 * time.Second
	DefaultMaxKeepAliveFailures = 3

	// LivenessThreshold is the keepalive gap, in ticks, at which the peer
	// counts as gone.
	LivenessThreshold = 100
	// TickUnit is the wall-clock length of one keepalive tick.
	TickUnit = 100 * time.Millisecond
)

// ErrCreationFailed wraps the submission error from Create.
var ErrCreationFailed = errors.New("game creation failed")

type Options struct {
	KeepAliveInterval    time.Duration
	MaxKeepAliveFailures int
	Logger               log.Logger
	// Now is the tick clock.
	Now func() time.Time
	// NewGameID allocates ids for Create.
	NewGameID func() string
}

func (o Options) withDefaults() Options {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.MaxKeepAliveFailures <= 0 {
		o.MaxKeepAliveFailures = DefaultMaxKeepAliveFailures
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewGameID == nil {
		o.NewGameID = uuid.NewString
	}
	return o
}

// Flags are derived from the last reconciled GameState. Abandoned and
// Disconnected are sticky.
type Flags struct {
	InProgress   bool
	MyTurn       bool
	Draw         bool
	Winner       bool
	Abandoned    bool
	Disconnected bool
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	GameID string
	Role   state.Role
	Game   state.GameState
	Flags  Flags
}

type Listener func(Snapshot)

type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Session is one player's view of one game. Reconcile is the only path that
// updates it from ledger state; it is fed by polling (Refresh) and by the
// store's change subscription.
type Session struct {
	store       ledger.Store
	signer      *codec.Signer
	dashboardID string
	gameID      string
	role        state.Role
	opts        Options
	logger      log.Logger

	mu         sync.Mutex
	game       state.GameState
	flags      Flags
	failures   int
	lastTick   int64
	listeners  []listenerEntry
	nextID     ListenerID
	subscribed bool
	sub        *ledger.Subscription
	keepalive  *schedule.Repeating
}

func newSession(store ledger.Store, signer *codec.Signer, dashboardID, gameID string, role state.Role, opts Options) *Session {
	return &Session{
		store:       store,
		signer:      signer,
		dashboardID: dashboardID,
		gameID:      gameID,
		role:        role,
		opts:        opts,
		logger:      log.With(opts.Logger, "module", "session", "game", gameID, "role", role.String()),
	}
}

// Create allocates a new game with the caller as X and starts its keepalive.
func Create(ctx context.Context, store ledger.Store, signer *codec.Signer, dashboardID string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	s := newSession(store, signer, dashboardID, opts.NewGameID(), state.RoleX, opts)

	tick := s.nextTick()
	create := codec.GameInitTx{GameID: s.gameID, DashboardID: dashboardID, Tick: tick}
	if err := ledger.SubmitSigned(ctx, store, signer, codec.TxGameInit, create); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}

	s.mu.Lock()
	s.game = state.NewGame(signer.Identity(), tick)
	s.flags = s.derive(s.game)
	s.mu.Unlock()

	level.Info(s.logger).Log("msg", "game created", "dashboard", dashboardID)
	s.startKeepAlive(ctx)
	return s, nil
}

// Join attempts to take the O slot of gameID. ok is false when the post-join
// read shows the game is not running with the caller as O; that is a normal
// outcome, not an error. Submission and read failures are returned as errors.
func Join(ctx context.Context, store ledger.Store, signer *codec.Signer, dashboardID, gameID string, opts Options) (s *Session, ok bool, err error) {
	opts = opts.withDefaults()
	s = newSession(store, signer, dashboardID, gameID, state.RoleO, opts)

	join := codec.GameJoinTx{GameID: gameID, DashboardID: dashboardID, Tick: s.nextTick()}
	if err := ledger.SubmitSigned(ctx, store, signer, codec.TxGameJoin, join); err != nil {
		return nil, false, fmt.Errorf("join %s: %w", gameID, err)
	}

	raw, err := store.Read(ctx, gameID)
	if err != nil {
		return nil, false, fmt.Errorf("read %s after join: %w", gameID, err)
	}
	g, err := state.DecodeGameState(raw)
	if err != nil {
		return nil, false, err
	}
	if !g.Phase.Active() || g.PlayerO == "" || g.PlayerO != signer.Identity() {
		level.Info(s.logger).Log("msg", "game not joinable", "phase", g.Phase, "playerO", g.PlayerO)
		return nil, false, nil
	}

	if err := s.Reconcile(raw); err != nil {
		return nil, false, err
	}
	level.Info(s.logger).Log("msg", "joined game")
	s.startKeepAlive(ctx)
	return s, true, nil
}

func (s *Session) GameID() string      { return s.gameID }
func (s *Session) DashboardID() string { return s.dashboardID }
func (s *Session) Role() state.Role    { return s.role }

func (s *Session) Game() state.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.game
}

func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{GameID: s.gameID, Role: s.role, Game: s.game, Flags: s.flags}
}

// Reconcile decodes raw as the authoritative game and recomputes every flag.
// Applying the same bytes again yields the same flags. A non-terminal
// observation after a terminal one is ignored, but listeners still fire.
func (s *Session) Reconcile(raw []byte) error {
	g, err := state.DecodeGameState(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.game.Phase.Terminal() && !g.Phase.Terminal() {
		level.Debug(s.logger).Log("msg", "stale observation ignored", "have", s.game.Phase, "got", g.Phase)
	} else {
		s.game = g
	}
	s.flags = s.derive(s.game)
	snap := s.snapshotLocked()
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// derive is a pure function of g plus the sticky local bits.
func (s *Session) derive(g state.GameState) Flags {
	f := Flags{
		Abandoned:    s.flags.Abandoned,
		Disconnected: s.flags.Disconnected,
	}
	me := s.signer.Identity()
	if mover, ok := g.Phase.Mover(); ok {
		f.InProgress = true
		// Solo games seat the same identity in both slots.
		f.MyTurn = mover == s.role || (g.PlayerX == me && g.PlayerO == me)
	}
	if g.Phase == state.PhaseDraw {
		f.Draw = true
	}
	if winner, ok := g.Phase.Winner(); ok {
		f.Winner = winner == s.role
	}
	if f.InProgress && !IsPeerAlive(g.KeepAlive) {
		f.InProgress = false
		f.Abandoned = true
	}
	if f.Abandoned || f.Disconnected {
		f.InProgress = false
	}
	return f
}

// Refresh polls the ledger and reconciles.
func (s *Session) Refresh(ctx context.Context) error {
	raw, err := s.store.Read(ctx, s.gameID)
	if err != nil {
		return fmt.Errorf("read game %s: %w", s.gameID, err)
	}
	return s.Reconcile(raw)
}

// Move submits a mark at row, col (0-based). Legality is checked by the
// ledger; the session is updated only by a later Reconcile.
func (s *Session) Move(ctx context.Context, row, col uint8) error {
	move := codec.GameMoveTx{GameID: s.gameID, Row: row, Col: col}
	if err := ledger.SubmitSigned(ctx, s.store, s.signer, codec.TxGameMove, move); err != nil {
		return fmt.Errorf("move %d,%d: %w", row, col, err)
	}
	return nil
}

// KeepAlive advances the caller's liveness counter on the ledger.
func (s *Session) KeepAlive(ctx context.Context) error {
	ka := codec.GameKeepAliveTx{GameID: s.gameID, Tick: s.nextTick()}
	if err := ledger.SubmitSigned(ctx, s.store, s.signer, codec.TxGameKeepAlive, ka); err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	return nil
}

// Abandon marks the session as given up. Nothing is written to the ledger;
// the keepalive exits on its next tick.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags.Abandoned = true
}

// Close stops the keepalive and drops the change subscription.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	ka := s.keepalive
	s.mu.Unlock()
	if ka != nil {
		ka.Stop()
	}
	return s.unsubscribe(ctx)
}

// AddListener registers fn to run after every Reconcile, in registration order.
func (s *Session) AddListener(fn Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *Session) RemoveListener(id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) listenersLocked() []Listener {
	out := make([]Listener, len(s.listeners))
	for i, l := range s.listeners {
		out[i] = l.fn
	}
	return out
}

// nextTick returns the current tick, bumped past the last one sent so the
// ledger's strictly-increasing check holds within one TickUnit.
func (s *Session) nextTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.opts.Now().UnixMilli() / TickUnit.Milliseconds()
	if t <= s.lastTick {
		t = s.lastTick + 1
	}
	s.lastTick = t
	return t
}

// IsPeerAlive reports whether the two keepalive counters are within
// LivenessThreshold of each other.
func IsPeerAlive(keepAlive [2]int64) bool {
	a, b := keepAlive[state.RoleX], keepAlive[state.RoleO]
	var diff uint64
	if a >= b {
		diff = uint64(a) - uint64(b)
	} else {
		diff = uint64(b) - uint64(a)
	}
	return diff < LivenessThreshold
}
