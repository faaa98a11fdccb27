package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const txAuthDomain = "ttt/tx/v1"

// SignBytes returns the message covered by TxEnvelope.Sig.
func SignBytes(typ string, value []byte, nonce string, signer string) []byte {
	// signBytes = DOMAIN || 0x00 || type || 0x00 || nonce || 0x00 || signer || 0x00 || sha256(value)
	sum := sha256.Sum256(value)
	out := make([]byte, 0, len(txAuthDomain)+1+len(typ)+1+len(nonce)+1+len(signer)+1+sha256.Size)
	out = append(out, []byte(txAuthDomain)...)
	out = append(out, 0)
	out = append(out, []byte(typ)...)
	out = append(out, 0)
	out = append(out, []byte(nonce)...)
	out = append(out, 0)
	out = append(out, []byte(signer)...)
	out = append(out, 0)
	out = append(out, sum[:]...)
	return out
}

// ParseIdentity decodes a hex player identity into its ed25519 public key.
func ParseIdentity(id string) (ed25519.PublicKey, error) {
	if id == "" {
		return nil, fmt.Errorf("identity: empty string")
	}
	s := strings.TrimPrefix(strings.ToLower(id), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: got %d bytes want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// FormatIdentity is the inverse of ParseIdentity.
func FormatIdentity(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// VerifyEnvelope checks that env is signed by the key named in env.Signer and
// returns the parsed nonce.
func VerifyEnvelope(env TxEnvelope) (uint64, error) {
	if env.Nonce == "" {
		return 0, fmt.Errorf("missing tx.nonce")
	}
	if env.Signer == "" {
		return 0, fmt.Errorf("missing tx.signer")
	}
	if len(env.Sig) == 0 {
		return 0, fmt.Errorf("missing tx.sig")
	}
	if len(env.Sig) != ed25519.SignatureSize {
		return 0, fmt.Errorf("invalid tx.sig length: got %d want %d", len(env.Sig), ed25519.SignatureSize)
	}
	nonce, err := strconv.ParseUint(env.Nonce, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tx.nonce %q", env.Nonce)
	}
	pub, err := ParseIdentity(env.Signer)
	if err != nil {
		return 0, err
	}
	if !ed25519.Verify(pub, SignBytes(env.Type, env.Value, env.Nonce, env.Signer), env.Sig) {
		return 0, fmt.Errorf("invalid signature")
	}
	return nonce, nil
}

// Signer holds a player key and produces signed transactions.
type Signer struct {
	priv ed25519.PrivateKey
	id   string

	mu        sync.Mutex
	lastNonce uint64
	now       func() time.Time

	// submitMu serializes SignAndSubmit so nonces land in signing order.
	submitMu sync.Mutex
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		priv: priv,
		id:   FormatIdentity(priv.Public().(ed25519.PublicKey)),
		now:  time.Now,
	}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(priv), nil
}

// SignerFromSeed derives a signer from a 32-byte ed25519 seed.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed)), nil
}

// Identity is the hex public key used as the on-ledger player identity.
func (s *Signer) Identity() string { return s.id }

// Seed returns the private key seed for persistence.
func (s *Signer) Seed() []byte { return s.priv.Seed() }

// nextNonce is wall-clock nanoseconds, bumped when the clock has not advanced,
// so nonces keep increasing across process restarts.
func (s *Signer) nextNonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(s.now().UnixNano())
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign wraps value into a signed envelope of type typ and returns tx bytes.
func (s *Signer) Sign(typ string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s value: %w", typ, err)
	}
	nonce := strconv.FormatUint(s.nextNonce(), 10)
	env := TxEnvelope{
		Type:   typ,
		Value:  raw,
		Nonce:  nonce,
		Signer: s.id,
		Sig:    ed25519.Sign(s.priv, SignBytes(typ, raw, nonce, s.id)),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return b, nil
}

// SignAndSubmit signs value and hands the tx to submit while holding the
// signer's submission lock. The ledger rejects a nonce at or below the last
// one it accepted, so concurrent callers sharing a key must not interleave
// between signing and confirmation.
func (s *Signer) SignAndSubmit(typ string, value any, submit func(tx []byte) error) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	tx, err := s.Sign(typ, value)
	if err != nil {
		return err
	}
	return submit(tx)
}
