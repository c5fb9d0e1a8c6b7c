// Package main is the entry point for the Carovana freight brokerage
// control plane. It wires the four-database container, starts the agent
// loops and scheduled jobs, and serves the operator API until a shutdown
// signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/di"
	"github.com/dvitali/carovana/internal/scheduler"
	"github.com/dvitali/carovana/internal/server"
	"github.com/dvitali/carovana/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Carovana")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	sched := scheduler.New(container.RuntimeDB.Conn(), log)
	if err := scheduler.RegisterJobs(sched, container, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
	}
	sched.Start()

	srv := server.New(cfg, container, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop taking new requests, then let running jobs drain. The emergency
	// stop context tears down the agent loops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	sched.Stop()
	container.AgentControl.Stop("process shutdown", "system")

	log.Info().Msg("Shutdown complete")
}
