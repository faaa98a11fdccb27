package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cometbft/cometbft/abci/server"
	"github.com/go-kit/log/level"

	"onchaintictactoe/internal/app"
	"onchaintictactoe/internal/platform/config"
	"onchaintictactoe/internal/platform/logging"
)

type serverConfig struct {
	Home      string `env:"TTT_HOME" envDefault:".ttt"`
	Addr      string `env:"TTT_ABCI_ADDR" envDefault:"tcp://127.0.0.1:26658"`
	Transport string `env:"TTT_ABCI_TRANSPORT" envDefault:"socket"`
	LogLevel  string `env:"TTT_LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg serverConfig
	err := config.ParseEnvThenFlags(&cfg, flag.CommandLine, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.Home, "home", cfg.Home, "app home directory (state will be stored under <home>/app)")
		fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "ABCI listen address")
		fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "ABCI transport (socket|grpc)")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	}, os.Args[1:])
	if err != nil {
		config.Exitf("config: %v", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		config.Exitf("logger: %v", err)
	}

	a, err := app.New(cfg.Home, logger)
	if err != nil {
		config.Exitf("init app: %v", err)
	}
	defer func() { _ = a.Close() }()

	srv, err := server.NewServer(cfg.Addr, cfg.Transport, a)
	if err != nil {
		config.Exitf("start abci server: %v", err)
	}
	if err := srv.Start(); err != nil {
		config.Exitf("abci server start: %v", err)
	}
	defer func() { _ = srv.Stop() }()
	level.Info(logger).Log("msg", "abci server listening", "addr", cfg.Addr, "transport", cfg.Transport, "home", cfg.Home)

	// Wait for signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	level.Info(logger).Log("msg", "shutting down", "signal", sig.String())
}
