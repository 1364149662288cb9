package main

import (
	"log"
	"os"

	"github.com/patenthub/pipelined/internal/api"
	"github.com/patenthub/pipelined/internal/artifact"
	"github.com/patenthub/pipelined/internal/config"
	"github.com/patenthub/pipelined/internal/engine"
	"github.com/patenthub/pipelined/internal/events"
	"github.com/patenthub/pipelined/internal/queue"
	"github.com/patenthub/pipelined/internal/remote"
	"github.com/patenthub/pipelined/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.RemoteBaseURL == "" {
		log.Fatal("PIPELINED_REMOTE_BASE_URL is required")
	}

	stages, err := config.LoadStages(cfg.StageFile)
	if err != nil {
		log.Fatalf("failed to load stage definitions: %v", err)
	}

	logger.Info("pipelined: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"stages", stages.Keys(),
		"queue_timeout", stages.QueueTimeout().String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	artifacts, err := artifact.NewStore(cfg.ArtifactDir, logger)
	if err != nil {
		log.Fatalf("failed to open artifact store: %v", err)
	}

	bus := events.NewBus()
	rc := remote.NewClient(cfg.RemoteBaseURL, logger)

	q := queue.New(cfg.QueueWorkers, cfg.QueueCapacity, stages.QueueTimeout(), logger)
	eng := engine.New(db, stages, q, rc, artifacts, bus, cfg.ScratchRoot, logger)
	q.Start()
	defer q.Stop()

	reaper, err := engine.NewReaper(db, stages, bus, cfg.ReaperSpec, logger)
	if err != nil {
		log.Fatalf("failed to build reaper: %v", err)
	}
	reaper.Start()
	defer reaper.Stop()

	srv := api.NewServer(cfg.ListenAddr, db, stages, eng, artifacts, bus, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
