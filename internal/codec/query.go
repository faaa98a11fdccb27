package codec

import (
	"fmt"
	"strings"

	abci "github.com/cometbft/cometbft/abci/types"
)

// ABCI result codes shared by the ledger program and its clients.
const (
	CodeOK       uint32 = 0
	CodeInvalid  uint32 = 1
	CodeNotFound uint32 = 2
)

const accountPathPrefix = "/account/"

// Every successful tx emits one EventAccountUpdated per account it mutated.
const (
	EventAccountUpdated = "AccountUpdated"
	AttrAccount         = "account"
)

func AccountQueryPath(id string) string {
	return accountPathPrefix + id
}

// ParseAccountQueryPath returns the id in an /account/<id> path.
func ParseAccountQueryPath(path string) (string, bool) {
	if !strings.HasPrefix(path, accountPathPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, accountPathPrefix)
	return id, id != ""
}

// AccountSubscriptionQuery is the CometBFT event query matching txs that touch id.
func AccountSubscriptionQuery(id string) string {
	return fmt.Sprintf("tm.event='Tx' AND %s.%s='%s'", EventAccountUpdated, AttrAccount, id)
}

// UpdatedAccounts lists the accounts announced by AccountUpdated events, in order.
func UpdatedAccounts(events []abci.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type != EventAccountUpdated {
			continue
		}
		for _, a := range ev.Attributes {
			if a.Key == AttrAccount {
				out = append(out, a.Value)
			}
		}
	}
	return out
}
