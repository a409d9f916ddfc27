package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/erikscolaro/ironlink/internal/api"
	"github.com/erikscolaro/ironlink/internal/auth"
	"github.com/erikscolaro/ironlink/internal/config"
	"github.com/erikscolaro/ironlink/internal/ingest"
	"github.com/erikscolaro/ironlink/internal/limits"
	"github.com/erikscolaro/ironlink/internal/logging"
	"github.com/erikscolaro/ironlink/internal/metrics"
	"github.com/erikscolaro/ironlink/internal/store"
	"github.com/erikscolaro/ironlink/internal/ws"
)

func main() {
	bootLogger := logging.New("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup retry for the store — the single retry loop in the system.
	// Everything past this point treats store failures as terminal for the
	// operation at hand.
	var st *store.Postgres
	for attempt := 1; ; attempt++ {
		st, err = store.NewPostgres(ctx, cfg.DatabaseURL, store.Options{MaxConns: cfg.StoreMaxConns})
		if err == nil {
			break
		}
		if attempt >= 5 {
			logger.Fatal().Err(err).Msg("Could not reach the database, giving up")
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Database not ready, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	defer st.Close()

	presence := ws.NewPresenceRegistry()
	broadcast := ws.NewBroadcastRegistry(cfg.BusCapacity)

	m := metrics.New(metrics.GaugeSources{
		ActiveBuses:     broadcast.ActiveBuses,
		PresenceEntries: presence.Count,
	})

	guard := limits.NewResourceGuard(cfg.CPURejectThreshold, cfg.GuardInterval, logger, m)
	guard.Start(ctx)

	wsServer := ws.NewServer(ws.Options{
		MaxConnections:      cfg.MaxConnections,
		RateLimitInterval:   cfg.RateLimitInterval,
		IdleTimeout:         cfg.IdleTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		BusCapacity:         cfg.BusCapacity,
		BatchMaxSize:        cfg.BatchMaxSize,
		BatchInterval:       cfg.BatchInterval,
		StoreAcquireTimeout: cfg.StoreAcquireTimeout,
	}, logger, m, st, presence, broadcast, guard)

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)

	var ingestor *ingest.Ingestor
	if cfg.NATSURL != "" {
		ingestor, err = ingest.New(ingest.Config{
			URL:          cfg.NATSURL,
			StoreTimeout: cfg.StoreAcquireTimeout,
		}, st, broadcast, logger, m)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		if err := ingestor.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start system event ingest")
		}
	}

	mux := http.NewServeMux()
	api.NewHandlers(st, presence, jwtManager, logger).Register(mux)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		claims, err := jwtManager.WebSocketAuth(r)
		if err != nil {
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		wsServer.HandleUpgrade(w, r, claims.UserID)
	})
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("Initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}

	if ingestor != nil {
		ingestor.Stop()
	}
	wsServer.Shutdown(cfg.ShutdownGrace)
	cancel()

	logger.Info().Msg("Graceful shutdown completed")
}
