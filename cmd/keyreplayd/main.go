// keyreplayd serves answer recording, keystroke submission and replay.
//
//	keyreplayd [-config path]
//
// Configuration is read from TOML, JSON or YAML and may be overridden with
// KEYREPLAY_* environment variables. Changing the log level in the config
// file takes effect without a restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyreplay/internal/config"
	"keyreplay/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.ConfigPath(), "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("keyreplayd", version)
		return 0
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyreplayd: %v\n", err)
		return 1
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "keyreplayd: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyreplayd: %v\n", err)
		return 1
	}
	defer logger.Close()
	logging.SetDefault(logger)

	logger.Info("keyreplayd starting",
		"version", version,
		"config", *configPath,
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver,
		"cache", cfg.Cache.Driver,
		"outbox", cfg.Outbox.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return 1
	}
	defer a.close()

	loader.OnChange(func(next *config.Config) {
		a.reconfigure(next)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer loader.Close()
		go func() {
			for err := range loader.Errors() {
				logger.Warn("config reload rejected", "error", err)
			}
		}()
	}

	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "error", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}
