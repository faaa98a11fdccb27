package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"onchaintictactoe/internal/codec"
)

// loadOrCreateKey reads a hex ed25519 seed from path, generating and saving
// a new one when the file does not exist.
func loadOrCreateKey(path string) (*codec.Signer, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", path, err)
		}
		return codec.SignerFromSeed(seed)
	case os.IsNotExist(err):
		s, err := codec.GenerateSigner()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("key dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(s.Seed())+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write key: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("read key: %w", err)
	}
}
