package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"onchaintictactoe/internal/dashboard"
	"onchaintictactoe/internal/ledger"
	"onchaintictactoe/internal/matchmaking"
	"onchaintictactoe/internal/platform/config"
	"onchaintictactoe/internal/platform/logging"
	"onchaintictactoe/internal/session"
)

type clientConfig struct {
	RPC               string        `env:"TTT_RPC" envDefault:"tcp://127.0.0.1:26657"`
	Key               string        `env:"TTT_KEY" envDefault:".ttt/player.key"`
	Dashboard         string        `env:"TTT_DASHBOARD"`
	PollInterval      time.Duration `env:"TTT_POLL_INTERVAL" envDefault:"500ms"`
	KeepAliveInterval time.Duration `env:"TTT_KEEPALIVE_INTERVAL" envDefault:"2s"`
	LogLevel          string        `env:"TTT_LOG_LEVEL" envDefault:"warn"`
	Inproc            string        `env:"TTT_INPROC"`
	Solo              bool          `env:"TTT_SOLO"`
}

func main() {
	var cfg clientConfig
	err := config.ParseEnvThenFlags(&cfg, flag.CommandLine, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.RPC, "rpc", cfg.RPC, "CometBFT RPC endpoint")
		fs.StringVar(&cfg.Key, "key", cfg.Key, "player key file (created if missing)")
		fs.StringVar(&cfg.Dashboard, "dashboard", cfg.Dashboard, "dashboard id to connect to (empty creates a new one)")
		fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "matchmaking and play poll interval")
		fs.DurationVar(&cfg.KeepAliveInterval, "keepalive", cfg.KeepAliveInterval, "keepalive interval")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
		fs.StringVar(&cfg.Inproc, "inproc", cfg.Inproc, "run the ledger in-process with state under this directory instead of dialing -rpc")
		fs.BoolVar(&cfg.Solo, "solo", cfg.Solo, "play both sides of one game")
	}, os.Args[1:])
	if err != nil {
		config.Exitf("config: %v", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		config.Exitf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		config.Exitf("ttt: %v", err)
	}
}

func run(ctx context.Context, cfg clientConfig, logger log.Logger) error {
	signer, err := loadOrCreateKey(cfg.Key)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "player identity", "id", signer.Identity())

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var dash *dashboard.Dashboard
	if cfg.Dashboard == "" {
		dash, err = dashboard.Create(ctx, store, signer, dashboard.Options{Logger: logger})
	} else {
		dash, err = dashboard.Connect(ctx, store, signer, cfg.Dashboard, dashboard.Options{Logger: logger})
	}
	if err != nil {
		return err
	}
	fmt.Printf("dashboard %s (games created: %d, completed: %d)\n", dash.ID(), dash.State().Total, len(dash.State().Completed))

	sessOpts := session.Options{KeepAliveInterval: cfg.KeepAliveInterval, Logger: logger}

	var active *session.Session
	if cfg.Solo {
		active, err = startSolo(ctx, store, signer, dash, sessOpts)
	} else {
		fmt.Println("waiting for an opponent...")
		loop := matchmaking.New(store, signer, dash, matchmaking.Options{
			Interval: cfg.PollInterval,
			Session:  sessOpts,
			Logger:   logger,
		})
		active, err = loop.Run(ctx)
	}
	if err != nil {
		return err
	}
	defer func() { _ = active.Close(context.Background()) }()

	p := &player{
		sess:     active,
		dash:     dash,
		in:       os.Stdin,
		out:      os.Stdout,
		interval: cfg.PollInterval,
		logger:   logger,
	}
	return p.play(ctx)
}

func openStore(cfg clientConfig, logger log.Logger) (ledger.Store, func(), error) {
	if cfg.Inproc != "" {
		s, err := ledger.OpenLocal(cfg.Inproc, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	s, err := ledger.DialComet(cfg.RPC, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}
