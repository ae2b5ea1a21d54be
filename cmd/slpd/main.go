// Command slpd runs a Service Location Protocol directory agent (RFC
// 2608) over UDP multicast/unicast and TCP on the SLP port.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/slpda/daemon"
	"github.com/joshuafuller/slpda/internal/config"
	"github.com/joshuafuller/slpda/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file (built-in defaults if omitted)")
	watchConfig := flag.Bool("watch", false, "Restart the agent when the configuration file changes (requires -config)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println("slpd (SLPv2 directory agent)")
		os.Exit(0)
	}
	if *watchConfig && *configPath == "" {
		log.Fatal("-watch requires -config")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.NewLoader().Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
		cfg = loaded
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// agent is replaced wholesale on a -watch restart; configuration is
	// immutable once an Agent has started, so a reload means stop the
	// old one and start a fresh one from the new Config.
	var (
		agentMu sync.Mutex
		agent   *daemon.Agent
	)
	startAgent := func(cfg *config.Config) error {
		a, err := daemon.New(cfg, daemon.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		agent = a
		logger.Info("directory agent started", zap.Int("port", cfg.Port), zap.Strings("scopes", cfg.Scopes))
		return nil
	}

	agentMu.Lock()
	err = startAgent(cfg)
	agentMu.Unlock()
	if err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	if *watchConfig {
		go func() {
			err := config.Watch(ctx, *configPath, config.DefaultReloadDebounce, logger, func(next *config.Config) {
				agentMu.Lock()
				defer agentMu.Unlock()

				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := agent.Stop(stopCtx); err != nil {
					logger.Warn("error stopping agent for restart", zap.Error(err))
				}
				if err := startAgent(next); err != nil {
					logger.Error("restart with reloaded configuration failed; agent stays down until the next reload", zap.Error(err))
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("configuration watcher exited", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	agentMu.Lock()
	defer agentMu.Unlock()
	if err := agent.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}
