package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"onchaintictactoe/internal/app"
	"onchaintictactoe/internal/codec"
)

// LocalStore runs the ledger program in-process: every Submit is its own
// block (CheckTx, FinalizeBlock, Commit). Change notifications are delivered
// in commit order from a single dispatcher goroutine.
type LocalStore struct {
	app    *app.TTTApp
	owned  bool
	logger log.Logger

	txMu   sync.Mutex
	height int64

	subMu sync.Mutex
	subs  map[string]map[string]func([]byte) // account -> sub id -> callback

	queueMu sync.Mutex
	queue   []notification
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

type notification struct {
	fn   func([]byte)
	data []byte
}

// OpenLocal creates the ledger program under home and serves it in-process.
func OpenLocal(home string, logger log.Logger) (*LocalStore, error) {
	a, err := app.New(home, logger)
	if err != nil {
		return nil, fmt.Errorf("open local ledger: %w", err)
	}
	s, err := NewLocal(a, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewLocal serves an existing app. The caller keeps ownership of a.
func NewLocal(a *app.TTTApp, logger log.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	info, err := a.Info(context.Background(), &abci.InfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("app info: %w", err)
	}
	s := &LocalStore{
		app:    a,
		logger: log.With(logger, "module", "ledger.local"),
		height: info.LastBlockHeight,
		subs:   make(map[string]map[string]func([]byte)),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// Close stops notification delivery; pending notifications are dropped.
func (s *LocalStore) Close() error {
	var err error
	s.closeMu.Do(func() {
		close(s.quit)
		<-s.done
		if s.owned {
			err = s.app.Close()
		}
	})
	return err
}

func (s *LocalStore) Read(ctx context.Context, id string) ([]byte, error) {
	res, err := s.app.Query(ctx, &abci.QueryRequest{Path: codec.AccountQueryPath(id)})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	switch res.Code {
	case codec.CodeOK:
		return res.Value, nil
	case codec.CodeNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("query %s: code=%d %s", id, res.Code, res.Log)
	}
}

func (s *LocalStore) Submit(ctx context.Context, tx []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	check, err := s.app.CheckTx(ctx, &abci.CheckTxRequest{Tx: tx})
	if err != nil {
		return fmt.Errorf("check tx: %w", err)
	}
	if check.Code != codec.CodeOK {
		return &SubmitError{Code: check.Code, Log: check.Log}
	}

	s.txMu.Lock()
	s.height++
	fin, err := s.app.FinalizeBlock(ctx, &abci.FinalizeBlockRequest{
		Txs:    [][]byte{tx},
		Height: s.height,
		Time:   time.Now(),
	})
	if err == nil {
		_, err = s.app.Commit(ctx, &abci.CommitRequest{})
	}
	s.txMu.Unlock()
	if err != nil {
		return fmt.Errorf("finalize block %d: %w", s.height, err)
	}
	if len(fin.TxResults) != 1 {
		return fmt.Errorf("finalize block: got %d tx results", len(fin.TxResults))
	}

	res := fin.TxResults[0]
	if res.Code != codec.CodeOK {
		return &SubmitError{Code: res.Code, Log: res.Log}
	}
	s.notify(ctx, codec.UpdatedAccounts(res.Events))
	return nil
}

func (s *LocalStore) Subscribe(_ context.Context, id string, onChange func([]byte)) (Subscription, error) {
	if id == "" {
		return Subscription{}, errors.New("subscribe: empty account id")
	}
	if onChange == nil {
		return Subscription{}, errors.New("subscribe: nil callback")
	}
	sub := Subscription{ID: uuid.NewString(), Account: id}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[string]func([]byte))
	}
	s.subs[id][sub.ID] = onChange
	return sub, nil
}

func (s *LocalStore) Unsubscribe(_ context.Context, sub Subscription) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	byID := s.subs[sub.Account]
	if _, ok := byID[sub.ID]; !ok {
		return fmt.Errorf("unsubscribe %s: unknown subscription", sub.ID)
	}
	delete(byID, sub.ID)
	if len(byID) == 0 {
		delete(s.subs, sub.Account)
	}
	return nil
}

func (s *LocalStore) notify(ctx context.Context, accounts []string) {
	var batch []notification
	for _, id := range accounts {
		s.subMu.Lock()
		fns := make([]func([]byte), 0, len(s.subs[id]))
		for _, fn := range s.subs[id] {
			fns = append(fns, fn)
		}
		s.subMu.Unlock()
		if len(fns) == 0 {
			continue
		}
		data, err := s.Read(ctx, id)
		if err != nil {
			level.Warn(s.logger).Log("msg", "read for notification", "account", id, "err", err)
			continue
		}
		for _, fn := range fns {
			batch = append(batch, notification{fn: fn, data: data})
		}
	}
	if len(batch) == 0 {
		return
	}

	s.queueMu.Lock()
	s.queue = append(s.queue, batch...)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *LocalStore) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			n := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			select {
			case <-s.quit:
				return
			default:
			}
			n.fn(n.data)
		}
	}
}
