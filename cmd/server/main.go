// Airweave server — multi-tenant data ingestion and retrieval.
//
// It wires the control plane end to end: source registry and drivers,
// encrypted credential store, Qdrant-backed vector storage, the sync runner
// with its cron scheduler, the search pipeline and the HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/acl"
	"github.com/airweave/airweave/internal/api"
	"github.com/airweave/airweave/internal/api/handlers"
	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/credstore"
	"github.com/airweave/airweave/internal/embed"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/lifecycle"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/internal/source"
	"github.com/airweave/airweave/internal/source/drivers"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/internal/syncer"
	"github.com/airweave/airweave/internal/telemetry"
	"github.com/airweave/airweave/internal/vectordb"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry init failed")
	}
	defer shutdownTelemetry(context.Background())

	st := store.NewMemoryStore()
	defer st.Close()

	creds, err := credstore.New(st, cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("credential store init failed")
	}

	registry := source.NewRegistry()
	drivers.RegisterAll(registry)

	vectors := vectordb.NewQdrant(log.Logger, cfg.Qdrant.URL, cfg.Qdrant.APIKey)

	prefs, err := config.LoadPreferences(cfg.Providers.PreferencesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("provider preferences load failed")
	}
	catalog := embed.NewCatalog(cfg.Providers, prefs)

	aclSvc := acl.NewService(log.Logger, st)
	bus := events.NewBus(log.Logger, cfg.Sync.EventQueueLen)

	runner := syncer.NewRunner(log.Logger, st, creds, registry, vectors, catalog, aclSvc, bus, cfg.Sync.MaxFileSize)
	scheduler := syncer.NewCronScheduler(log.Logger, st, runner)
	defer scheduler.Stop()

	lifecycleSvc := lifecycle.NewService(log.Logger, st, creds, registry, scheduler, vectors, aclSvc, cfg.APIURL, cfg.AppURL)
	searchSvc := search.NewService(log.Logger, st, registry, creds, vectors, catalog, aclSvc)

	h := handlers.New(st, registry, lifecycleSvc, searchSvc, runner, vectors, bus)
	router := api.NewRouter(cfg, st, h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Str("version", cfg.Version).
		Int("sources", len(registry.List())).
		Msg("airweave ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
