// Open Notebook server: multi-user research notebooks with source
// ingestion, grounded chat and podcast generation.
//
// Run with --migrate to apply the database schema and exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/config"
	"github.com/open-notebook/open-notebook/internal/repo"
	"github.com/open-notebook/open-notebook/pkg/server"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply the database schema and exit")
	flag.Parse()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		runMigrations(ctx, cfg)
		return
	}

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize server")
	}
	defer srv.Close()
	defer srv.ShutdownFunc(context.Background())

	if cfg.Worker.Enabled {
		go srv.Worker.Run(ctx)
	} else {
		log.Info().Msg("worker disabled")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // chat streams stay open well past a normal request
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Str("version", cfg.Version).Msg("server listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func runMigrations(ctx context.Context, cfg *config.Config) {
	r, err := repo.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatal().Err(err).Msg("connect for migration")
	}
	defer r.Close()
	if err := r.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}
