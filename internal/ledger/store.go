// Package ledger is the client view of the authoritative account store:
// linearizable per-account reads, signed transaction submission and
// best-effort change notification.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"onchaintictactoe/internal/codec"
)

var (
	// ErrNotFound is returned by Read for an account that does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrSubmissionFailed matches every *SubmitError.
	ErrSubmissionFailed = errors.New("submission failed")
)

// SubmitError is a transaction rejected by the ledger program.
type SubmitError struct {
	Code uint32
	Log  string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submission failed: code=%d %s", e.Code, e.Log)
}

func (e *SubmitError) Is(target error) bool { return target == ErrSubmissionFailed }

// Subscription identifies one registered change callback.
type Subscription struct {
	ID      string
	Account string
}

// Store is the ledger account store.
type Store interface {
	// Read returns the raw bytes of account id, or ErrNotFound.
	Read(ctx context.Context, id string) ([]byte, error)
	// Submit broadcasts a signed tx and returns once it is confirmed or rejected.
	Submit(ctx context.Context, tx []byte) error
	// Subscribe calls onChange with the account's new bytes after each
	// committed change. Delivery is asynchronous and may be dropped.
	Subscribe(ctx context.Context, id string, onChange func([]byte)) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// SubmitSigned signs value as a typ transaction and submits it to store.
// Submissions by one signer are confirmed one at a time, in nonce order.
func SubmitSigned(ctx context.Context, store Store, signer *codec.Signer, typ string, value any) error {
	return signer.SignAndSubmit(typ, value, func(tx []byte) error {
		return store.Submit(ctx, tx)
	})
}
