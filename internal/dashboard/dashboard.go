// Package dashboard wraps the shared matchmaking record: the pending game
// advertisement, the created-games counter and the completed-games log.
package dashboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/ledger"
	"onchaintictactoe/internal/state"
)

type Options struct {
	Logger log.Logger
	// NewID allocates the record id for Create.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Dashboard is a local snapshot of the record plus the means to update it.
// The snapshot is only ever replaced wholesale by Refresh.
type Dashboard struct {
	store  ledger.Store
	signer *codec.Signer
	id     string
	logger log.Logger

	mu    sync.Mutex
	state state.DashboardState
}

// Create allocates a new, empty matchmaking record.
func Create(ctx context.Context, store ledger.Store, signer *codec.Signer, opts Options) (*Dashboard, error) {
	opts = opts.withDefaults()
	d := newDashboard(store, signer, opts.NewID(), opts)

	if err := ledger.SubmitSigned(ctx, store, signer, codec.TxDashboardInit, codec.DashboardInitTx{DashboardID: d.id}); err != nil {
		return nil, fmt.Errorf("create dashboard: %w", err)
	}
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	level.Info(d.logger).Log("msg", "dashboard created")
	return d, nil
}

// Connect attaches to an existing record. A missing record is ledger.ErrNotFound.
func Connect(ctx context.Context, store ledger.Store, signer *codec.Signer, id string, opts Options) (*Dashboard, error) {
	opts = opts.withDefaults()
	d := newDashboard(store, signer, id, opts)
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func newDashboard(store ledger.Store, signer *codec.Signer, id string, opts Options) *Dashboard {
	return &Dashboard{
		store:  store,
		signer: signer,
		id:     id,
		logger: log.With(opts.Logger, "module", "dashboard", "dashboard", id),
	}
}

func (d *Dashboard) ID() string { return d.id }

// Refresh re-reads the record and replaces the local snapshot.
func (d *Dashboard) Refresh(ctx context.Context) error {
	raw, err := d.store.Read(ctx, d.id)
	if err != nil {
		return fmt.Errorf("read dashboard %s: %w", d.id, err)
	}
	st, err := state.DecodeDashboardState(raw)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.state = st
	d.mu.Unlock()
	return nil
}

// State returns a copy of the last refreshed snapshot.
func (d *Dashboard) State() state.DashboardState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// Pending is the currently advertised game id, "" if none.
func (d *Dashboard) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Pending
}

// SubmitGameState reports gameID to the record. The ledger decides from the
// game's phase whether this advertises it as pending or logs it as completed.
func (d *Dashboard) SubmitGameState(ctx context.Context, gameID string) error {
	update := codec.DashboardUpdateTx{DashboardID: d.id, GameID: gameID}
	if err := ledger.SubmitSigned(ctx, d.store, d.signer, codec.TxDashboardUpdate, update); err != nil {
		return fmt.Errorf("submit game %s to dashboard: %w", gameID, err)
	}
	level.Debug(d.logger).Log("msg", "game state submitted", "game", gameID)
	return nil
}
