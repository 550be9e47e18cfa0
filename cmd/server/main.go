// Command server runs the chat server: a TLS-terminated Client-task
// acceptor backed by a Manager actor and a JSON-file Persistence actor.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/logging"
	"github.com/spitfire4040/chatcore/internal/metrics"
	"github.com/spitfire4040/chatcore/internal/persistence"
	"github.com/spitfire4040/chatcore/internal/server"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Errorf("config: %v", err)
		return err
	}

	development := os.Getenv("ENV") != "production"
	if err := logging.Initialize(development); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.L()

	store, err := persistence.NewJSONStore(cfg.DBURL, cfg.DBUsers, cfg.DBRooms)
	if err != nil {
		log.Error("open store", zap.Error(err))
		return err
	}

	acc := server.New(store, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down")
		acc.Shutdown()
		cancel()
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	if err := acc.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}
