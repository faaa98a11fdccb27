package app

import (
	"errors"
	"fmt"

	abci "github.com/cometbft/cometbft/abci/types"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/state"
)

var (
	errGameInProgress   = errors.New("game in progress")
	errInvalidMove      = errors.New("invalid move")
	errNotYourTurn      = errors.New("not your turn")
	errPlayerNotFound   = errors.New("player not found")
	errInvalidTimestamp = errors.New("invalid keepalive tick")
)

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// applyJoin seats player as O and starts the game. Only a Waiting game can be
// joined; the joiner's keepalive must advance.
func applyJoin(g *state.GameState, player string, tick int64) error {
	if g.Phase != state.PhaseWaiting {
		return errGameInProgress
	}
	if tick <= g.KeepAlive[state.RoleO] {
		return errInvalidTimestamp
	}
	g.PlayerO = player
	g.Phase = state.PhaseXToMove
	g.KeepAlive[state.RoleO] = tick
	return nil
}

func applyMove(g *state.GameState, player string, row, col int) error {
	if row < 0 || row > 2 || col < 0 || col > 2 {
		return errInvalidMove
	}
	idx := row*3 + col
	if g.Board[idx] != state.CellEmpty {
		return errInvalidMove
	}

	var won, next state.Phase
	var mover state.Role
	switch g.Phase {
	case state.PhaseXToMove:
		mover, won, next = state.RoleX, state.PhaseXWon, state.PhaseOToMove
	case state.PhaseOToMove:
		mover, won, next = state.RoleO, state.PhaseOWon, state.PhaseXToMove
	default:
		return errNotYourTurn
	}
	if player != g.Player(mover) {
		return errPlayerNotFound
	}

	mark := mover.Cell()
	g.Board[idx] = mark
	switch {
	case hasLine(g.Board, mark):
		g.Phase = won
	case boardFull(g.Board):
		g.Phase = state.PhaseDraw
	default:
		g.Phase = next
	}
	return nil
}

// applyKeepAlive advances the caller's counter. Once the game is over
// keepalives are accepted and ignored.
func applyKeepAlive(g *state.GameState, player string, tick int64) error {
	if g.Phase.Terminal() {
		return nil
	}
	if g.PlayerO != "" && player == g.PlayerX && g.PlayerX == g.PlayerO {
		// Solo game: one heartbeat covers both slots.
		if tick <= max(g.KeepAlive[state.RoleX], g.KeepAlive[state.RoleO]) {
			return errInvalidTimestamp
		}
		g.KeepAlive = [2]int64{tick, tick}
		return nil
	}
	var slot state.Role
	switch player {
	case g.PlayerX:
		slot = state.RoleX
	case g.PlayerO:
		if g.PlayerO == "" {
			return errPlayerNotFound
		}
		slot = state.RoleO
	default:
		return errPlayerNotFound
	}
	if tick <= g.KeepAlive[slot] {
		return errInvalidTimestamp
	}
	g.KeepAlive[slot] = tick
	return nil
}

func hasLine(b [state.BoardSize]state.Cell, mark state.Cell) bool {
	for _, line := range winLines {
		if b[line[0]] == mark && b[line[1]] == mark && b[line[2]] == mark {
			return true
		}
	}
	return false
}

func boardFull(b [state.BoardSize]state.Cell) bool {
	for _, c := range b {
		if c == state.CellEmpty {
			return false
		}
	}
	return true
}

// ---- tx handlers ----

func (a *TTTApp) initGame(signer string, msg codec.GameInitTx) *abci.ExecTxResult {
	if msg.GameID == "" {
		return fail("missing gameId")
	}
	if a.st.Exists(msg.GameID) {
		return fail("account already exists")
	}
	d := a.st.Dashboards[msg.DashboardID]
	if d == nil {
		return fail("dashboard not found")
	}
	if msg.Tick <= 0 {
		return fail(errInvalidTimestamp.Error())
	}

	g := state.NewGame(signer, msg.Tick)
	a.st.Games[msg.GameID] = &g
	d.Total++

	return okEvent("GameCreated", map[string]string{
		"gameId":      msg.GameID,
		"dashboardId": msg.DashboardID,
		"playerX":     signer,
	}, msg.GameID, msg.DashboardID)
}

func (a *TTTApp) joinGame(signer string, msg codec.GameJoinTx) *abci.ExecTxResult {
	g := a.st.Games[msg.GameID]
	if g == nil {
		return fail("game not found")
	}
	if msg.DashboardID != "" && a.st.Dashboards[msg.DashboardID] == nil {
		return fail("dashboard not found")
	}
	next := *g
	if err := applyJoin(&next, signer, msg.Tick); err != nil {
		return fail(err.Error())
	}
	*g = next

	return okEvent("GameJoined", map[string]string{
		"gameId":  msg.GameID,
		"playerO": signer,
	}, msg.GameID)
}

func (a *TTTApp) keepAlive(signer string, msg codec.GameKeepAliveTx) *abci.ExecTxResult {
	g := a.st.Games[msg.GameID]
	if g == nil {
		return fail("game not found")
	}
	next := *g
	if err := applyKeepAlive(&next, signer, msg.Tick); err != nil {
		return fail(err.Error())
	}
	if next == *g {
		// Terminal game: accepted, nothing changed.
		return okEvent("KeepAliveIgnored", map[string]string{"gameId": msg.GameID})
	}
	*g = next

	return okEvent("KeepAlive", map[string]string{
		"gameId": msg.GameID,
		"player": signer,
		"tick":   fmtI64(msg.Tick),
	}, msg.GameID)
}

func (a *TTTApp) move(signer string, msg codec.GameMoveTx) *abci.ExecTxResult {
	g := a.st.Games[msg.GameID]
	if g == nil {
		return fail("game not found")
	}
	next := *g
	if err := applyMove(&next, signer, int(msg.Row), int(msg.Col)); err != nil {
		return fail(err.Error())
	}
	*g = next

	return okEvent("MoveApplied", map[string]string{
		"gameId": msg.GameID,
		"player": signer,
		"row":    fmt.Sprintf("%d", msg.Row),
		"col":    fmt.Sprintf("%d", msg.Col),
		"phase":  next.Phase.String(),
	}, msg.GameID)
}
