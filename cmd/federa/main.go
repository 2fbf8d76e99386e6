package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkoutso/federa/internal/broadcast"
	"github.com/nkoutso/federa/internal/config"
	"github.com/nkoutso/federa/internal/consensus"
	"github.com/nkoutso/federa/internal/federation"
	"github.com/nkoutso/federa/internal/lifecycle"
	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/notify"
	"github.com/nkoutso/federa/internal/registry"
	"github.com/nkoutso/federa/internal/scheduler"
	"github.com/nkoutso/federa/internal/store"
	"github.com/nkoutso/federa/internal/vault"
	"github.com/nkoutso/federa/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("federa %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: federa <command>\n\nCommands:\n  gateway    Start the federation gateway service\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting federation gateway", "version", version, "federation", cfg.Federation.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	// Join token vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, join tokens will not be persisted")
	}

	// Swarm registry
	reg := registry.New(db, v, events)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load swarm registry: %w", err)
	}

	// Ephemeral agent lifecycle
	agents := lifecycle.NewManager(reg, db, events, cfg.Federation.DefaultAgentTTL, cfg.Federation.CompletionTimeout)
	if err := agents.Load(); err != nil {
		return fmt.Errorf("load agent leases: %w", err)
	}
	go agents.StartReaper(ctx, cfg.Federation.ReaperInterval)

	// Consensus coordinator
	cons := consensus.NewCoordinator(reg, db, events, cfg.Federation.ProposalTimeout)
	defer cons.Close()

	// Broadcast router
	router := broadcast.NewRouter(reg, broadcast.NewNATSTransport(events), cfg.Federation.BroadcastTimeout)

	// Federation hub + RPC
	fed := federation.NewHub(cfg.Federation.Name, reg, agents, cons, router)
	rpcClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init rpc client: %w", err)
	}
	defer rpcClient.Close()
	go func() {
		if err := fed.ServeRPC(ctx, rpcClient); err != nil {
			slog.Error("rpc handler error", "error", err)
		}
	}()

	// Stats announcer
	if cfg.Announce.Enabled {
		announcer, err := scheduler.NewAnnouncer(cfg.Announce.Schedule, fed.Stats, events)
		if err != nil {
			return fmt.Errorf("init announcer: %w", err)
		}
		go announcer.Start(ctx)
	}

	// Telegram alerts
	if cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		notifyClient, err := natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("init notify client: %w", err)
		}
		defer notifyClient.Close()
		go func() {
			if err := notifier.Start(ctx, notifyClient); err != nil {
				slog.Error("notifier error", "error", err)
			}
		}()
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, alerts disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(fed, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
