package state

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"onchaintictactoe/internal/codec"
)

// ErrMalformedState marks bytes that do not decode as a known record layout.
// It signals a protocol or version mismatch and is never retried.
var ErrMalformedState = errors.New("malformed state")

const layoutVersion = 1

// GameStateSize is the encoded size of a GameState:
// version(1) | keepAlive 2*i64 | phase(1) | playerX(32) | playerO(32) | board(9).
const GameStateSize = 1 + 16 + 1 + 2*ed25519.PublicKeySize + BoardSize

// Account kinds stored on the ledger.
const (
	KindGame      byte = 1
	KindDashboard byte = 2
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedState, fmt.Sprintf(format, args...))
}

func putIdentity(dst []byte, id string) error {
	if id == "" {
		return nil
	}
	pub, err := codec.ParseIdentity(id)
	if err != nil {
		return err
	}
	copy(dst, pub)
	return nil
}

func readIdentity(b []byte) string {
	for _, x := range b {
		if x != 0 {
			return codec.FormatIdentity(ed25519.PublicKey(append([]byte(nil), b...)))
		}
	}
	return ""
}

// EncodeGameState writes g in the fixed binary layout.
func EncodeGameState(g GameState) ([]byte, error) {
	if !g.Phase.Valid() {
		return nil, fmt.Errorf("encode game: invalid phase %d", g.Phase)
	}
	out := make([]byte, GameStateSize)
	out[0] = layoutVersion
	binary.LittleEndian.PutUint64(out[1:9], uint64(g.KeepAlive[RoleX]))
	binary.LittleEndian.PutUint64(out[9:17], uint64(g.KeepAlive[RoleO]))
	out[17] = byte(g.Phase)
	if err := putIdentity(out[18:50], g.PlayerX); err != nil {
		return nil, fmt.Errorf("encode game playerX: %w", err)
	}
	if err := putIdentity(out[50:82], g.PlayerO); err != nil {
		return nil, fmt.Errorf("encode game playerO: %w", err)
	}
	for i, c := range g.Board {
		if c > CellO {
			return nil, fmt.Errorf("encode game: invalid cell %d at %d", c, i)
		}
		out[82+i] = byte(c)
	}
	return out, nil
}

// DecodeGameState parses the fixed binary layout. Any unknown phase, cell or
// version is ErrMalformedState.
func DecodeGameState(b []byte) (GameState, error) {
	if len(b) != GameStateSize {
		return GameState{}, malformed("game: got %d bytes want %d", len(b), GameStateSize)
	}
	if b[0] != layoutVersion {
		return GameState{}, malformed("game: unsupported version %d", b[0])
	}
	var g GameState
	g.KeepAlive[RoleX] = int64(binary.LittleEndian.Uint64(b[1:9]))
	g.KeepAlive[RoleO] = int64(binary.LittleEndian.Uint64(b[9:17]))
	g.Phase = Phase(b[17])
	if !g.Phase.Valid() {
		return GameState{}, malformed("game: unknown phase %d", b[17])
	}
	g.PlayerX = readIdentity(b[18:50])
	g.PlayerO = readIdentity(b[50:82])
	for i := 0; i < BoardSize; i++ {
		c := Cell(b[82+i])
		if c > CellO {
			return GameState{}, malformed("game: unknown cell %d at %d", b[82+i], i)
		}
		g.Board[i] = c
	}
	return g, nil
}

func appendString(out []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("id too long: %d bytes", len(s))
	}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...), nil
}

func readString(b []byte, off int) (string, int, error) {
	if len(b) < off+2 {
		return "", 0, malformed("dashboard: truncated length at %d", off)
	}
	n := int(binary.LittleEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+n {
		return "", 0, malformed("dashboard: truncated id at %d", off)
	}
	return string(b[off : off+n]), off + n, nil
}

// EncodeDashboardState writes d as:
// version(1) | total u64 | pending str16 | count u32 | count*str16.
func EncodeDashboardState(d DashboardState) ([]byte, error) {
	out := make([]byte, 0, 1+8+2+len(d.Pending)+4+len(d.Completed)*40)
	out = append(out, layoutVersion)
	out = binary.LittleEndian.AppendUint64(out, d.Total)
	var err error
	if out, err = appendString(out, d.Pending); err != nil {
		return nil, fmt.Errorf("encode dashboard pending: %w", err)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(d.Completed)))
	for _, id := range d.Completed {
		if out, err = appendString(out, id); err != nil {
			return nil, fmt.Errorf("encode dashboard completed: %w", err)
		}
	}
	return out, nil
}

func DecodeDashboardState(b []byte) (DashboardState, error) {
	if len(b) < 1+8+2+4 {
		return DashboardState{}, malformed("dashboard: got %d bytes", len(b))
	}
	if b[0] != layoutVersion {
		return DashboardState{}, malformed("dashboard: unsupported version %d", b[0])
	}
	d := DashboardState{Total: binary.LittleEndian.Uint64(b[1:9])}
	pending, off, err := readString(b, 9)
	if err != nil {
		return DashboardState{}, err
	}
	d.Pending = pending
	if len(b) < off+4 {
		return DashboardState{}, malformed("dashboard: truncated count")
	}
	count := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	// Each entry takes at least its 2-byte length prefix.
	if count > (len(b)-off)/2 {
		return DashboardState{}, malformed("dashboard: count %d exceeds payload", count)
	}
	d.Completed = make([]string, 0, count)
	for i := 0; i < count; i++ {
		var id string
		id, off, err = readString(b, off)
		if err != nil {
			return DashboardState{}, err
		}
		d.Completed = append(d.Completed, id)
	}
	if off != len(b) {
		return DashboardState{}, malformed("dashboard: %d trailing bytes", len(b)-off)
	}
	return d, nil
}
