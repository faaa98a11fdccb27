package ledger

import (
	"context"
	"fmt"
	"sync"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"onchaintictactoe/internal/codec"
)

// CometStore talks to a CometBFT node running the ledger program.
// Reads go through ABCIQuery, submissions through BroadcastTxCommit and
// change notifications through the node's websocket event subscription.
type CometStore struct {
	client *rpchttp.HTTP
	logger log.Logger

	mu   sync.Mutex
	subs map[string]cometSub
	wg   sync.WaitGroup
}

type cometSub struct {
	subscriber string
	query      string
	cancel     context.CancelFunc
}

// DialComet connects to the node RPC endpoint at remote (e.g. tcp://127.0.0.1:26657).
func DialComet(remote string, logger log.Logger) (*CometStore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c, err := rpchttp.New(remote)
	if err != nil {
		return nil, fmt.Errorf("rpc client %s: %w", remote, err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start rpc websocket: %w", err)
	}
	return &CometStore{
		client: c,
		logger: log.With(logger, "module", "ledger.comet", "remote", remote),
		subs:   make(map[string]cometSub),
	}, nil
}

// Close drops every subscription and stops the websocket client.
func (s *CometStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]cometSub)
	s.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		sub.cancel()
		_ = s.client.Unsubscribe(ctx, sub.subscriber, sub.query)
	}
	s.wg.Wait()
	return s.client.Stop()
}

func (s *CometStore) Read(ctx context.Context, id string) ([]byte, error) {
	res, err := s.client.ABCIQuery(ctx, codec.AccountQueryPath(id), nil)
	if err != nil {
		return nil, fmt.Errorf("abci query %s: %w", id, err)
	}
	switch res.Response.Code {
	case codec.CodeOK:
		return res.Response.Value, nil
	case codec.CodeNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("abci query %s: code=%d %s", id, res.Response.Code, res.Response.Log)
	}
}

func (s *CometStore) Submit(ctx context.Context, tx []byte) error {
	res, err := s.client.BroadcastTxCommit(ctx, cmttypes.Tx(tx))
	if err != nil {
		return fmt.Errorf("broadcast tx: %w", err)
	}
	if res.CheckTx.Code != codec.CodeOK {
		return &SubmitError{Code: res.CheckTx.Code, Log: res.CheckTx.Log}
	}
	if res.TxResult.Code != codec.CodeOK {
		return &SubmitError{Code: res.TxResult.Code, Log: res.TxResult.Log}
	}
	return nil
}

// Subscribe re-reads id whenever a committed tx announces it through an
// AccountUpdated event and hands the fresh bytes to onChange.
func (s *CometStore) Subscribe(ctx context.Context, id string, onChange func([]byte)) (Subscription, error) {
	sub := Subscription{ID: uuid.NewString(), Account: id}
	subscriber := "ttt-" + sub.ID
	query := codec.AccountSubscriptionQuery(id)

	out, err := s.client.Subscribe(ctx, subscriber, query, 16)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscribe %s: %w", id, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.subs[sub.ID] = cometSub{subscriber: subscriber, query: query, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	logger := log.With(s.logger, "account", id)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-out:
				if !ok {
					level.Warn(logger).Log("msg", "event subscription closed")
					return
				}
				data, err := s.Read(subCtx, id)
				if err != nil {
					level.Warn(logger).Log("msg", "read after event", "err", err)
					continue
				}
				onChange(data)
			}
		}
	}()
	return sub, nil
}

func (s *CometStore) Unsubscribe(ctx context.Context, sub Subscription) error {
	s.mu.Lock()
	cs, ok := s.subs[sub.ID]
	delete(s.subs, sub.ID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: unknown subscription", sub.ID)
	}
	cs.cancel()
	if err := s.client.Unsubscribe(ctx, cs.subscriber, cs.query); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.Account, err)
	}
	return nil
}

var (
	_ Store = (*CometStore)(nil)
	_ Store = (*LocalStore)(nil)
)
