// Package matchmaking pairs two independent clients through the shared
// dashboard record: each advertises its own waiting game and races to join
// whatever game is advertised by someone else.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/dashboard"
	"onchaintictactoe/internal/ledger"
	"onchaintictactoe/internal/schedule"
	"onchaintictactoe/internal/session"
	"onchaintictactoe/internal/state"
)

const DefaultInterval = 500 * time.Millisecond

type Options struct {
	Interval time.Duration
	// Session configures every session the loop creates or joins.
	Session session.Options
	Logger  log.Logger
}

type Loop struct {
	store  ledger.Store
	signer *codec.Signer
	dash   *dashboard.Dashboard
	opts   Options
	logger log.Logger
}

func New(store ledger.Store, signer *codec.Signer, dash *dashboard.Dashboard, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	return &Loop{
		store:  store,
		signer: signer,
		dash:   dash,
		opts:   opts,
		logger: log.With(opts.Logger, "module", "matchmaking", "dashboard", dash.ID()),
	}
}

// Run creates the caller's own game and pairs it. See Pair.
func (l *Loop) Run(ctx context.Context) (*session.Session, error) {
	own, err := session.Create(ctx, l.store, l.signer, l.dash.ID(), l.opts.Session)
	if err != nil {
		return nil, err
	}
	active, err := l.Pair(ctx, own)
	if err != nil {
		own.Abandon()
		return nil, err
	}
	return active, nil
}

// Pair waits, without a deadline of its own, until either someone joins own
// or the caller wins the O slot of another advertised game. In the latter
// case own is abandoned and the joined session is returned. If own itself
// ends up abandoned, a replacement game is created and advertised instead.
// Malformed ledger state and ctx cancellation end the loop with an error;
// everything else is retried on the next iteration.
func (l *Loop) Pair(ctx context.Context, own *session.Session) (*session.Session, error) {
	active, last, err := l.pair(ctx, own)
	if err != nil && last != own {
		last.Abandon()
	}
	return active, err
}

// pair also returns the own game it was advertising when it stopped.
func (l *Loop) pair(ctx context.Context, own *session.Session) (active, last *session.Session, err error) {
	logger := log.With(l.logger, "own", own.GameID())
	for iter := 1; ; iter++ {
		if err := l.refresh(ctx, own); err != nil {
			if errors.Is(err, state.ErrMalformedState) {
				level.Error(logger).Log("msg", "malformed ledger state", "err", err)
				return nil, own, err
			}
			if ctx.Err() != nil {
				return nil, own, ctx.Err()
			}
			level.Warn(logger).Log("msg", "refresh", "iter", iter, "err", err)
		} else {
			f := own.Flags()
			switch {
			case f.InProgress && !f.Abandoned:
				level.Info(logger).Log("msg", "paired in own game", "iter", iter)
				return own, own, nil
			case f.Abandoned:
				// The heartbeat has stopped; nobody can be paired into this game.
				next, err := session.Create(ctx, l.store, l.signer, l.dash.ID(), l.opts.Session)
				if err == nil {
					level.Info(logger).Log("msg", "own game abandoned, replaced", "next", next.GameID(), "iter", iter)
					own = next
					logger = log.With(l.logger, "own", next.GameID())
					continue
				}
				if ctx.Err() != nil {
					return nil, own, ctx.Err()
				}
				level.Warn(logger).Log("msg", "replace abandoned own game", "err", err)
			default:
				joined, err := l.joinOrAdvertise(ctx, logger, own)
				if err != nil {
					return nil, own, err
				}
				if joined != nil {
					own.Abandon()
					return joined, own, nil
				}
			}
		}

		if err := schedule.Sleep(ctx, l.opts.Interval); err != nil {
			return nil, own, err
		}
	}
}

// joinOrAdvertise tries the game advertised by someone else and, failing
// that, advertises own. It returns the joined session if the join won.
func (l *Loop) joinOrAdvertise(ctx context.Context, logger log.Logger, own *session.Session) (*session.Session, error) {
	pending := l.dash.Pending()
	if pending == own.GameID() {
		return nil, nil
	}
	if pending != "" {
		joined, err := l.tryJoin(ctx, pending)
		if err != nil {
			return nil, err
		}
		if joined != nil {
			level.Info(logger).Log("msg", "paired in joined game", "game", pending)
			return joined, nil
		}
	}
	if err := l.dash.SubmitGameState(ctx, own.GameID()); err != nil {
		level.Warn(logger).Log("msg", "advertise own game", "err", err)
	}
	return nil, nil
}

// refresh reads the own game and the dashboard concurrently.
func (l *Loop) refresh(ctx context.Context, own *session.Session) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return own.Refresh(gctx) })
	g.Go(func() error { return l.dash.Refresh(gctx) })
	return g.Wait()
}

// tryJoin returns the joined session, or nil when the join lost or failed.
// Only malformed state is reported as an error.
func (l *Loop) tryJoin(ctx context.Context, gameID string) (*session.Session, error) {
	logger := log.With(l.logger, "game", gameID)

	joined, ok, err := session.Join(ctx, l.store, l.signer, l.dash.ID(), gameID, l.opts.Session)
	switch {
	case errors.Is(err, state.ErrMalformedState):
		return nil, fmt.Errorf("join %s: %w", gameID, err)
	case err != nil:
		level.Info(logger).Log("msg", "join failed", "err", err)
		return nil, nil
	case !ok:
		level.Info(logger).Log("msg", "game not joinable")
		return nil, nil
	}

	if f := joined.Flags(); !f.InProgress || f.Abandoned || joined.Game().PlayerO != l.signer.Identity() {
		level.Info(logger).Log("msg", "joined game is not live", "abandoned", f.Abandoned)
		joined.Abandon()
		return nil, nil
	}
	return joined, nil
}
