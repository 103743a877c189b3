package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storystack-server/sync-agent/internal/config"
	"storystack-server/sync-agent/internal/connectivity"
	"storystack-server/sync-agent/internal/engine"
	"storystack-server/sync-agent/internal/remote"
	"storystack-server/sync-agent/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	initLogger(cfg.Log.Level)
	log.Info().Str("server_url", cfg.Server.URL).Str("mirror_path", cfg.Mirror.Path).Msg("Starting sync agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mirror, err := store.Open(cfg.Mirror.Path, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open mirror store")
	}
	defer mirror.Close()
	if mirror.InMemory() {
		log.Warn().Msg("Mirror store is in-memory, local changes will not survive restart")
	}

	observer := connectivity.NewObserver(cfg.Server.HealthURL, cfg.Sync.ProbeInterval, log.Logger)
	observer.Start(ctx)

	client := remote.NewClient(cfg.Server.URL, cfg.Server.APIToken, log.Logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	eng := engine.NewEngine(mirror, client, observer, log.Logger, engine.Options{
		SyncInterval: cfg.Sync.Interval,
		CallTimeout:  cfg.Sync.CallTimeout,
		Registerer:   registry,
	})
	eng.Start(ctx)

	go logSyncEvents(ctx, eng)

	var metricsSrv *http.Server
	if cfg.Metrics.Port != "" {
		metricsSrv = startMetricsServer(cfg.Metrics.Port, registry, eng)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down sync agent...")

	cancel()
	eng.Stop()
	observer.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	log.Info().Msg("Sync agent stopped")
}

// initLogger настраивает глобальный логгер
func initLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Caller().Logger()

	// В режиме разработки используем более читаемый вывод
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	}

	logLevel := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		logLevel = lvl
	}
	zerolog.SetGlobalLevel(logLevel)
}

// logSyncEvents транслирует события движка в лог.
func logSyncEvents(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			evtLog := log.With().Str("event", string(ev.Type)).Logger()
			switch ev.Type {
			case engine.EventItemFailed, engine.EventSyncFailed:
				evtLog.Warn().Str("item_id", ev.ItemID).Str("error", ev.Error).Msg("Sync event")
			default:
				evtLog.Debug().Str("item_id", ev.ItemID).Msg("Sync event")
			}
		}
	}
}

// startMetricsServer поднимает HTTP-сервер метрик и статуса синхронизации.
func startMetricsServer(port string, registry *prometheus.Registry, eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eng.Status(r.Context())); err != nil {
			log.Error().Err(err).Msg("Failed to encode sync status")
		}
	})

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", port).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return srv
}
