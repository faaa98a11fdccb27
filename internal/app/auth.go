package app

import (
	"fmt"

	"onchaintictactoe/internal/codec"
	"onchaintictactoe/internal/state"
)

// requireFreshNonce verifies env's signature and that its nonce is above the
// signer's high-water mark. The caller records the nonce once the tx succeeds.
func requireFreshNonce(st *state.State, env codec.TxEnvelope) (uint64, error) {
	if st == nil {
		return 0, fmt.Errorf("state is nil")
	}
	nonce, err := codec.VerifyEnvelope(env)
	if err != nil {
		return 0, err
	}
	if last, ok := st.NonceMax[env.Signer]; ok && nonce <= last {
		return 0, fmt.Errorf("replayed tx.nonce: got %d last %d", nonce, last)
	}
	return nonce, nil
}
