package codec

import (
	"encoding/json"
	"fmt"
)

// TxEnvelope is the transaction container.
//
// CometBFT transactions are opaque bytes; ours are JSON envelopes whose Value is
// the JSON payload selected by Type.
type TxEnvelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`

	// Auth:
	// - Nonce: decimal u64, must increase per signer (replay protection).
	// - Signer: hex ed25519 public key; this is the player identity.
	// - Sig: Ed25519 signature over SignBytes(type, value, nonce, signer).
	Nonce  string `json:"nonce,omitempty"`
	Signer string `json:"signer,omitempty"`
	Sig    []byte `json:"sig,omitempty"`
}

func DecodeTxEnvelope(txBytes []byte) (TxEnvelope, error) {
	var env TxEnvelope
	if err := json.Unmarshal(txBytes, &env); err != nil {
		return TxEnvelope{}, fmt.Errorf("invalid tx json: %w", err)
	}
	if env.Type == "" {
		return TxEnvelope{}, fmt.Errorf("missing tx.type")
	}
	return env, nil
}

// Transaction types.
const (
	TxDashboardInit   = "dashboard/init"
	TxDashboardUpdate = "dashboard/update"
	TxGameInit        = "game/init"
	TxGameJoin        = "game/join"
	TxGameKeepAlive   = "game/keep_alive"
	TxGameMove        = "game/move"
)

// ---- Dashboard ----

type DashboardInitTx struct {
	DashboardID string `json:"dashboardId"`
}

// DashboardUpdateTx advertises a waiting game or reports a finished one; the
// ledger decides which from the game's phase when the tx is executed.
type DashboardUpdateTx struct {
	DashboardID string `json:"dashboardId"`
	GameID      string `json:"gameId"`
}

// ---- Game ----

type GameInitTx struct {
	GameID      string `json:"gameId"`
	DashboardID string `json:"dashboardId"`
	Tick        int64  `json:"tick"`
}

type GameJoinTx struct {
	GameID      string `json:"gameId"`
	DashboardID string `json:"dashboardId,omitempty"`
	Tick        int64  `json:"tick"`
}

type GameKeepAliveTx struct {
	GameID string `json:"gameId"`
	Tick   int64  `json:"tick"`
}

// GameMoveTx targets board index Row*3+Col; both are 0-based.
type GameMoveTx struct {
	GameID string `json:"gameId"`
	Row    uint8  `json:"row"`
	Col    uint8  `json:"col"`
}
