package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/dashboard"
	"onchaintictactoe/internal/ledger"
	"onchaintictactoe/internal/session"
	"onchaintictactoe/internal/state"
)

// player drives one active session from line-based input until the game ends.
type player struct {
	sess     *session.Session
	dash     *dashboard.Dashboard
	in       io.Reader
	out      io.Writer
	interval time.Duration
	logger   log.Logger
}

func (p *player) play(ctx context.Context) error {
	changes := make(chan struct{}, 1)
	id := p.sess.AddListener(func(session.Snapshot) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer p.sess.RemoveListener(id)

	lines := readLines(ctx, p.in)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var shown string
	prompted := false
	for {
		snap := p.sess.Snapshot()
		if msg, done := outcome(snap); done {
			fmt.Fprint(p.out, render(snap.Game))
			fmt.Fprintln(p.out, msg)
			if snap.Game.Phase.Terminal() {
				if err := p.dash.SubmitGameState(ctx, snap.GameID); err != nil {
					level.Warn(p.logger).Log("msg", "report finished game", "game", snap.GameID, "err", err)
				}
			}
			return nil
		}

		if view := render(snap.Game); view != shown {
			fmt.Fprint(p.out, view)
			shown = view
			prompted = false
		}
		if snap.Flags.MyTurn && !prompted {
			fmt.Fprint(p.out, "your move (row col, 1-3): ")
			prompted = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !snap.Flags.MyTurn {
				fmt.Fprintln(p.out, "not your turn")
				continue
			}
			prompted = false
			row, col, err := parseMove(line)
			if err != nil {
				fmt.Fprintln(p.out, err)
				continue
			}
			if err := p.sess.Move(ctx, row, col); err != nil {
				var se *ledger.SubmitError
				if errors.As(err, &se) {
					fmt.Fprintf(p.out, "move rejected: %s\n", se.Log)
					continue
				}
				return err
			}
			if err := p.refresh(ctx); err != nil {
				return err
			}
		}
	}
}

// refresh polls the session; only malformed state is fatal.
func (p *player) refresh(ctx context.Context) error {
	err := p.sess.Refresh(ctx)
	if errors.Is(err, state.ErrMalformedState) {
		return err
	}
	if err != nil && ctx.Err() == nil {
		level.Warn(p.logger).Log("msg", "refresh game", "err", err)
	}
	return nil
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// parseMove reads "row col" with both in 1..3 and returns 0-based coordinates.
func parseMove(line string) (row, col uint8, err error) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("enter row and column, e.g. \"2 3\"")
	}
	var rc [2]uint8
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > 3 {
			return 0, 0, fmt.Errorf("%q is not a number between 1 and 3", f)
		}
		rc[i] = uint8(n - 1)
	}
	return rc[0], rc[1], nil
}

func render(g state.GameState) string {
	var b strings.Builder
	for r := 0; r < 3; r++ {
		if r > 0 {
			b.WriteString("---+---+---\n")
		}
		for c := 0; c < 3; c++ {
			if c > 0 {
				b.WriteByte('|')
			}
			fmt.Fprintf(&b, " %s ", g.Board[r*3+c])
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "[%s]\n", g.Phase)
	return b.String()
}

// outcome reports whether the session is over and how to describe it.
func outcome(s session.Snapshot) (string, bool) {
	g := s.Game
	solo := g.PlayerX != "" && g.PlayerX == g.PlayerO
	switch {
	case g.Phase == state.PhaseDraw:
		return "draw", true
	case g.Phase.Terminal():
		winner, _ := g.Phase.Winner()
		msg := winner.String() + " wins"
		switch {
		case solo:
		case s.Flags.Winner:
			msg += ", you win!"
		default:
			msg += ", you lose"
		}
		return msg, true
	case s.Flags.Disconnected:
		return "lost contact with the ledger", true
	case s.Flags.Abandoned:
		return "opponent left the game", true
	}
	return "", false
}

// startSolo creates a game and takes its O slot with the same key. The
// joined session's heartbeat covers both slots, so the creator is dropped.
func startSolo(ctx context.Context, store ledger.Store, signer *codec.Signer, dash *dashboard.Dashboard, opts session.Options) (*session.Session, error) {
	created, err := session.Create(ctx, store, signer, dash.ID(), opts)
	if err != nil {
		return nil, err
	}
	created.Abandon()

	joined, ok, err := session.Join(ctx, store, signer, dash.ID(), created.GameID(), opts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("solo game %s is not joinable", created.GameID())
	}
	return joined, nil
}
