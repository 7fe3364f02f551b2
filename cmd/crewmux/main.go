// Package main is the crewmux entry point. The binary serves the operator
// tool surface over stdio and hosts the loopback comms service agents call
// back into; all logging goes to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/adapter"
	"github.com/crewmux/crewmux/internal/bus"
	"github.com/crewmux/crewmux/internal/comms"
	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/common/tracing"
	"github.com/crewmux/crewmux/internal/instructions"
	"github.com/crewmux/crewmux/internal/mcpserver"
	"github.com/crewmux/crewmux/internal/mission"
	"github.com/crewmux/crewmux/internal/orchestrator"
	"github.com/crewmux/crewmux/internal/state"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting crewmux...")

	// 3. Coordination plane: state store and message bus
	store := state.NewStore(state.Options{DefaultModel: cfg.Adapter.DefaultModel}, log)
	msgBus := bus.New(log)

	// 4. Comms service (loopback MCP endpoint agents call back into)
	commsSvc := comms.NewService(store, msgBus, log)
	if err := commsSvc.Start(cfg.Comms); err != nil {
		log.Fatal("Failed to start comms service", zap.Error(err))
	}

	// 5. Agent adapter over the downstream child process
	factory := adapter.NewStdioSessionFactory(cfg.Adapter, log)
	agents := adapter.New(cfg.Adapter, factory, store, instructions.NewSource(store), commsSvc.AgentEndpoint, log)

	// 6. Orchestrator and mission engine
	orch := orchestrator.New(store, msgBus, agents, commsSvc, orchestrator.Options{}, log)
	missions := mission.New(store, msgBus, agents, commsSvc, cfg.Mission, log)

	// 7. Operator surface over stdio
	operator := mcpserver.New(orch, missions, log)

	done := make(chan error, 1)
	go func() { done <- operator.ServeStdio() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			log.Error("operator surface stopped", zap.Error(err))
		}
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	// Shutdown order: stop accepting operator work, drain tracked agent
	// operations, then stop the comms service and flush traces.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := agents.Close(shutdownCtx); err != nil {
		log.Warn("adapter shutdown", zap.Error(err))
	}
	if err := commsSvc.Stop(shutdownCtx); err != nil {
		log.Warn("comms service shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}

	log.Info("crewmux stopped")
}
