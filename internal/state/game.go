package state

import "fmt"

// Cell is one board square.
type Cell uint8

const (
	CellEmpty Cell = 0
	CellX     Cell = 1
	CellO     Cell = 2
)

func (c Cell) String() string {
	switch c {
	case CellEmpty:
		return " "
	case CellX:
		return "X"
	case CellO:
		return "O"
	default:
		return fmt.Sprintf("Cell(%d)", uint8(c))
	}
}

// Role is a player slot.
type Role uint8

const (
	RoleX Role = 0
	RoleO Role = 1
)

func (r Role) String() string {
	if r == RoleO {
		return "O"
	}
	return "X"
}

// Cell returns the mark a player in this slot puts on the board.
func (r Role) Cell() Cell {
	if r == RoleO {
		return CellO
	}
	return CellX
}

// Phase is the game's lifecycle position. Terminal phases never change.
type Phase uint8

const (
	PhaseWaiting Phase = iota
	PhaseXToMove
	PhaseOToMove
	PhaseXWon
	PhaseOWon
	PhaseDraw
)

func (p Phase) Valid() bool { return p <= PhaseDraw }

func (p Phase) Terminal() bool {
	return p == PhaseXWon || p == PhaseOWon || p == PhaseDraw
}

// Active reports whether a move is expected.
func (p Phase) Active() bool {
	return p == PhaseXToMove || p == PhaseOToMove
}

// Mover returns whose turn it is; ok is false outside XToMove/OToMove.
func (p Phase) Mover() (r Role, ok bool) {
	switch p {
	case PhaseXToMove:
		return RoleX, true
	case PhaseOToMove:
		return RoleO, true
	}
	return 0, false
}

// Winner returns the winning slot; ok is false unless XWon/OWon.
func (p Phase) Winner() (r Role, ok bool) {
	switch p {
	case PhaseXWon:
		return RoleX, true
	case PhaseOWon:
		return RoleO, true
	}
	return 0, false
}

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseXToMove:
		return "xToMove"
	case PhaseOToMove:
		return "oToMove"
	case PhaseXWon:
		return "xWon"
	case PhaseOWon:
		return "oWon"
	case PhaseDraw:
		return "draw"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

const BoardSize = 9

// GameState is one game record. Board index is row*3+col.
type GameState struct {
	KeepAlive [2]int64        `json:"keepAlive"` // indexed by Role
	Phase     Phase           `json:"phase"`
	PlayerX   string          `json:"playerX"`
	PlayerO   string          `json:"playerO,omitempty"`
	Board     [BoardSize]Cell `json:"board"`
}

// NewGame returns a Waiting game created by playerX at tick.
func NewGame(playerX string, tick int64) GameState {
	g := GameState{Phase: PhaseWaiting, PlayerX: playerX}
	g.KeepAlive[RoleX] = tick
	return g
}

// Player returns the identity in slot r ("" if unset).
func (g GameState) Player(r Role) string {
	if r == RoleO {
		return g.PlayerO
	}
	return g.PlayerX
}
