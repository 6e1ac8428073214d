package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"sandbox-gateway/pkg/confheal"
	"sandbox-gateway/pkg/config"
	"sandbox-gateway/pkg/reaper"
	"sandbox-gateway/pkg/sandbox"
	"sandbox-gateway/pkg/server"
	"sandbox-gateway/pkg/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the gateway YAML config")
		addr       = flag.String("addr", "", "Listen address (overrides config)")
		sweepDir   = flag.String("sweep-configs", "", "Repair notebook configs under this directory and exit")
		reap       = flag.Bool("reap", false, "Force-terminate stray sandbox processes and exit")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[sandbox-gateway] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	// Maintenance entry points: one-shot, then exit.
	if *sweepDir != "" {
		repaired, err := confheal.SweepDir(*sweepDir, logger)
		if err != nil {
			logger.Fatalf("sweep error: %v", err)
		}
		fmt.Printf("repaired %d config file(s)\n", repaired)
		return
	}
	if *reap {
		killed, err := reaper.New(nil, cfg.ReapPattern, 0, logger).Reap()
		if err != nil {
			logger.Fatalf("reap error: %v", err)
		}
		fmt.Printf("terminated %d sandbox process(es)\n", killed)
		return
	}

	store := session.NewMemoryStore(cfg.BasePort, cfg.PortRange)
	manager := sandbox.NewManager(store, sandbox.ExecSpawner{}, sandbox.Config{
		Command:        cfg.NotebookCommand,
		ReadyTimeout:   cfg.ReadyTimeout.Std(),
		StopGrace:      cfg.StopGrace.Std(),
		HealthInterval: cfg.HealthInterval.Std(),
	}, logger)
	srv := server.New(store, manager, session.NewUsageTracker(), cfg.WorkspaceRoot, logger)

	// Tear down every sandbox on SIGINT/SIGTERM before exiting.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Printf("shutting down, stopping all sandboxes")
		manager.StopAll(context.Background())
		os.Exit(0)
	}()

	logger.Printf("starting sandbox-gateway on %s", cfg.ListenAddr)
	if err := srv.Run(cfg.ListenAddr); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}
