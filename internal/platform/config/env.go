package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseEnvThenFlags loads env defaults into target, then lets fs override them.
// Flags registered on fs should use target's fields as their defaults; they
// are read after the environment has been applied.
func ParseEnvThenFlags(target any, fs *flag.FlagSet, register func(*flag.FlagSet), args []string) error {
	if fs == nil {
		return errors.New("flag set is required")
	}
	if err := ParseEnv(target); err != nil {
		return err
	}
	if register != nil {
		register(fs)
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}
