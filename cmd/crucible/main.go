package main

import (
	"context"
	"log"
	"os"

	"github.com/tkaria/crucible/internal/api"
	"github.com/tkaria/crucible/internal/auth"
	"github.com/tkaria/crucible/internal/config"
	"github.com/tkaria/crucible/internal/dispatch"
	"github.com/tkaria/crucible/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	executor := dispatch.NewSimExecutor(db, logger)
	dispatcher := dispatch.New(db, executor, logger, cfg.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	srv := api.NewServer(cfg.ListenAddr, db, dispatcher, auth.HeaderIdentifier{}, cfg.WebhookSecret, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Stop the dispatcher after the HTTP server has drained; any in-flight
	// task is left as claimed.
	cancel()
	<-done
}
