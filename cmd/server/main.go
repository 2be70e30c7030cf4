package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/nemt-dispatch/internal/config"
	"github.com/example/nemt-dispatch/internal/httpapi"
	"github.com/example/nemt-dispatch/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if db, err := sql.Open("postgres", cfg.PGDSN); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					logger.Error("migration exec error", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_trips.sql")
				}
			}
			_ = db.Close()
		} else {
			logger.Error("migration db open error", "error", err)
		}
	}

	srv, err := httpapi.NewServer(cfg, logger)
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.Loop.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("nemt-dispatch listening", "addr", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
