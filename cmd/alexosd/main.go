// Command alexosd is the ChainBot daemon: it loads configuration, wires
// the core (C1-C9), registers with ALEX-OS, and runs until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanaponodata/alexos-chainbot/internal/config"
	"github.com/hanaponodata/alexos-chainbot/internal/core"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional; defaults are used if omitted)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	switch *logLevel {
	case "debug":
		logging.SetLevel(slog.LevelDebug)
	case "warn":
		logging.SetLevel(slog.LevelWarn)
	case "error":
		logging.SetLevel(slog.LevelError)
	default:
		logging.SetLevel(slog.LevelInfo)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log := logging.NewComponentLogger("alexosd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := core.New(cfg)
	if err != nil {
		return fmt.Errorf("wiring core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting core: %w", err)
	}
	log.Info("alexosd ready: listening for workflow and agent activity")

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := c.Stop(stopCtx); err != nil {
		log.Error("error during shutdown: %v", err)
		return err
	}
	log.Info("alexosd stopped cleanly")
	return nil
}
