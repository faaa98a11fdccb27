package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/state"
)

const (
	AppVersion uint64 = 1
)

// TTTApp is the authoritative ledger program: game and dashboard accounts
// mutated only by signed transactions.
type TTTApp struct {
	*abci.BaseApplication

	home   string
	logger log.Logger

	mu       sync.Mutex
	store    *state.Store
	st       *state.State
	lastHash []byte
}

// New loads (or initializes) state under <home>/app.
func New(home string, logger log.Logger) (*TTTApp, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	store, err := state.Open(filepath.Join(home, "app", "state.db"))
	if err != nil {
		return nil, err
	}
	st, err := store.Load(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a := &TTTApp{
		BaseApplication: abci.NewBaseApplication(),
		home:            home,
		logger:          log.With(logger, "module", "app"),
		store:           store,
		st:              st,
		lastHash:        st.AppHash(),
	}
	return a, nil
}

func (a *TTTApp) Close() error {
	return a.store.Close()
}

func (a *TTTApp) Info(_ context.Context, _ *abci.InfoRequest) (*abci.InfoResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &abci.InfoResponse{
		Data:             "TTT (v1)",
		Version:          "v1",
		AppVersion:       AppVersion,
		LastBlockHeight:  a.st.Height,
		LastBlockAppHash: a.lastHash,
	}, nil
}

func (a *TTTApp) CheckTx(_ context.Context, req *abci.CheckTxRequest) (*abci.CheckTxResponse, error) {
	env, err := codec.DecodeTxEnvelope(req.Tx)
	if err != nil {
		return &abci.CheckTxResponse{Code: codec.CodeInvalid, Log: err.Error()}, nil
	}
	// Stateless: signer is the public key, so signatures verify without state.
	if _, err := codec.VerifyEnvelope(env); err != nil {
		return &abci.CheckTxResponse{Code: codec.CodeInvalid, Log: err.Error()}, nil
	}
	return &abci.CheckTxResponse{Code: codec.CodeOK}, nil
}

func (a *TTTApp) InitChain(_ context.Context, _ *abci.InitChainRequest) (*abci.InitChainResponse, error) {
	return &abci.InitChainResponse{}, nil
}

func (a *TTTApp) FinalizeBlock(_ context.Context, req *abci.FinalizeBlockRequest) (*abci.FinalizeBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.st.Height = req.Height

	txResults := make([]*abci.ExecTxResult, 0, len(req.Txs))
	for _, txBytes := range req.Txs {
		res := a.deliverTx(txBytes)
		if res.Code != codec.CodeOK {
			level.Debug(a.logger).Log("msg", "tx rejected", "height", req.Height, "code", res.Code, "log", res.Log)
		}
		txResults = append(txResults, res)
	}

	a.lastHash = a.st.AppHash()

	return &abci.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   a.lastHash,
	}, nil
}

func (a *TTTApp) Commit(ctx context.Context, _ *abci.CommitRequest) (*abci.CommitResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.Save(ctx, a.st); err != nil {
		// CometBFT expects Commit to not crash; return error so node halts loudly.
		level.Error(a.logger).Log("msg", "persist state", "height", a.st.Height, "err", err)
		return nil, err
	}
	return &abci.CommitResponse{}, nil
}

func (a *TTTApp) Query(_ context.Context, req *abci.QueryRequest) (*abci.QueryResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Only /account/<id> is served: the encoded game or dashboard record.
	path := strings.TrimSpace(req.Path)
	id, ok := codec.ParseAccountQueryPath(path)
	if !ok {
		return &abci.QueryResponse{Code: codec.CodeInvalid, Log: "unknown query path", Height: a.st.Height}, nil
	}
	b, found, err := a.st.Account(id)
	if err != nil {
		return &abci.QueryResponse{Code: codec.CodeInvalid, Log: err.Error(), Height: a.st.Height}, nil
	}
	if !found {
		return &abci.QueryResponse{Code: codec.CodeNotFound, Log: "account not found", Height: a.st.Height}, nil
	}
	return &abci.QueryResponse{Code: codec.CodeOK, Key: []byte(id), Value: b, Height: a.st.Height}, nil
}

func (a *TTTApp) deliverTx(txBytes []byte) *abci.ExecTxResult {
	env, err := codec.DecodeTxEnvelope(txBytes)
	if err != nil {
		return fail(err.Error())
	}
	nonce, err := requireFreshNonce(a.st, env)
	if err != nil {
		return fail(err.Error())
	}

	var res *abci.ExecTxResult
	switch env.Type {
	case codec.TxDashboardInit:
		var msg codec.DashboardInitTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return fail("bad dashboard/init value")
		}
		res = a.initDashboard(msg)

	case codec.TxDashboardUpdate:
		var msg codec.DashboardUpdateTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return fail("bad dashboard/update value")
		}
		res = a.updateDashboard(msg)

	case codec.TxGameInit:
		var msg codec.GameInitTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return fail("bad game/init value")
		}
		res = a.initGame(env.Signer, msg)

	case codec.TxGameJoin:
		var msg codec.GameJoinTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return fail("bad game/join value")
		}
		res = a.joinGame(env.Signer, msg)

	case codec.TxGameKeepAlive:
		var msg codec.GameKeepAliveTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return fail("bad game/keep_alive value")
		}
		res = a.keepAlive(env.Signer, msg)

	case codec.TxGameMove:
		var msg codec.GameMoveTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return fail("bad game/move value")
		}
		res = a.move(env.Signer, msg)

	default:
		return fail("unknown tx type: " + env.Type)
	}

	// Handlers validate before mutating, so a failed tx leaves state untouched
	// and does not consume its nonce.
	if res.Code == codec.CodeOK {
		a.st.NonceMax[env.Signer] = nonce
	}
	return res
}

func fail(reason string) *abci.ExecTxResult {
	return &abci.ExecTxResult{Code: codec.CodeInvalid, Log: reason}
}

// okEvent builds a success result with one typed event plus an
// AccountUpdated event per mutated account.
func okEvent(typ string, attrs map[string]string, accounts ...string) *abci.ExecTxResult {
	ev := abci.Event{Type: typ}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev.Attributes = append(ev.Attributes, abci.EventAttribute{Key: k, Value: attrs[k], Index: true})
	}
	events := []abci.Event{ev}
	for _, id := range accounts {
		events = append(events, abci.Event{
			Type:       codec.EventAccountUpdated,
			Attributes: []abci.EventAttribute{{Key: codec.AttrAccount, Value: id, Index: true}},
		})
	}
	return &abci.ExecTxResult{
		Code:   codec.CodeOK,
		Events: events,
	}
}

func fmtI64(v int64) string { return fmt.Sprintf("%d", v) }
