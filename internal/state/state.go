package state

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// State is the full ledger: every game and dashboard account plus per-signer
// replay protection.
type State struct {
	Height int64

	NonceMax   map[string]uint64 // signer -> last accepted tx.nonce
	Games      map[string]*GameState
	Dashboards map[string]*DashboardState
}

func NewState() *State {
	return &State{
		Height:     0,
		NonceMax:   map[string]uint64{},
		Games:      map[string]*GameState{},
		Dashboards: map[string]*DashboardState{},
	}
}

// Exists reports whether id is allocated as any kind of account.
func (s *State) Exists(id string) bool {
	if _, ok := s.Games[id]; ok {
		return true
	}
	_, ok := s.Dashboards[id]
	return ok
}

// Account returns the encoded record for id.
func (s *State) Account(id string) ([]byte, bool, error) {
	if g, ok := s.Games[id]; ok {
		b, err := EncodeGameState(*g)
		return b, true, err
	}
	if d, ok := s.Dashboards[id]; ok {
		b, err := EncodeDashboardState(*d)
		return b, true, err
	}
	return nil, false, nil
}

type accountKV struct {
	ID   string
	Kind byte
	Data []byte
}

// accounts returns every account encoded and sorted by id.
func (s *State) accounts() ([]accountKV, error) {
	out := make([]accountKV, 0, len(s.Games)+len(s.Dashboards))
	for id, g := range s.Games {
		b, err := EncodeGameState(*g)
		if err != nil {
			return nil, fmt.Errorf("encode game %s: %w", id, err)
		}
		out = append(out, accountKV{ID: id, Kind: KindGame, Data: b})
	}
	for id, d := range s.Dashboards {
		b, err := EncodeDashboardState(*d)
		if err != nil {
			return nil, fmt.Errorf("encode dashboard %s: %w", id, err)
		}
		out = append(out, accountKV{ID: id, Kind: KindDashboard, Data: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *State) AppHash() []byte {
	// Maps have no stable order, so hash a sorted, length-prefixed view.
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.Height))
	h.Write(buf[:])

	accounts, err := s.accounts()
	if err != nil {
		// Only reachable with a corrupt in-memory record.
		panic(err)
	}
	for _, a := range accounts {
		writeLenPrefixed(h, []byte(a.ID))
		h.Write([]byte{a.Kind})
		writeLenPrefixed(h, a.Data)
	}

	signers := make([]string, 0, len(s.NonceMax))
	for k := range s.NonceMax {
		signers = append(signers, k)
	}
	sort.Strings(signers)
	for _, k := range signers {
		writeLenPrefixed(h, []byte(k))
		binary.LittleEndian.PutUint64(buf[:], s.NonceMax[k])
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

func writeLenPrefixed(h io.Writer, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}
