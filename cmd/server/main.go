package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/auth"
	"github.com/splitgame/arena/internal/config"
	"github.com/splitgame/arena/internal/driver"
	"github.com/splitgame/arena/internal/handler"
	"github.com/splitgame/arena/internal/logger"
	"github.com/splitgame/arena/internal/middleware"
	"github.com/splitgame/arena/internal/oracle"
	"github.com/splitgame/arena/internal/repository/postgres"
	redisrepo "github.com/splitgame/arena/internal/repository/redis"
	"github.com/splitgame/arena/internal/service"
)

func main() {
	logger.Init()
	cfg := config.Load()
	log.Info().Str("databaseURL", cfg.DatabaseURL).Msg("Config loaded")

	// Database
	db, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	// Redis
	redisClient, err := redisrepo.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()

	// Enable Redis keyspace notifications for disconnect timer expiry events.
	if err := redisClient.Underlying().ConfigSet(context.Background(), "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to set Redis keyspace notifications (disconnect timers fall back to polling)")
	}

	// Repos
	gameRepo := postgres.NewGameRepo(db)
	roundRepo := postgres.NewRoundRepo(db)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret)
	verifier := auth.NewHMACVerifier(cfg.JWTSecret)

	// Oracle (LLM backend) and the agent driver behind it
	oracleClient := oracle.NewClient(oracle.Options{
		URL:      cfg.OracleURL,
		APIKey:   cfg.OracleAPIKey,
		Model:    cfg.OracleModel,
		Timeout:  cfg.OracleTimeout,
		RPMLimit: cfg.OracleRPMLimit,
		TPMLimit: cfg.OracleTPMLimit,
	})
	agents := driver.NewLLMOracle(oracleClient)

	// WebSocket hub
	wsHub := handler.NewHub()

	// Services
	rules := cfg.Rules()
	orch := service.NewOrchestrator(gameRepo, roundRepo, redisClient, agents, wsHub, rules, cfg.OracleMaxConcurrency, cfg.DisconnectTimeout)
	gameSvc := service.NewGameService(gameRepo, redisClient, orch, wsHub, rules)

	// Timer listener (disconnect forfeits on expiry)
	timerListener := service.NewTimerListener(redisClient.Underlying(), orch)

	// Handlers
	authHandler := handler.NewAuthHandler(jwtMgr, verifier)
	gameHandler := handler.NewGameHandler(gameSvc, roundRepo, verifier, wsHub)
	wsHandler := handler.NewWSHandler(wsHub, jwtMgr, gameSvc, orch)

	// Router
	mux := http.NewServeMux()
	authMw := auth.Middleware(jwtMgr)

	// Health and metrics
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Auth (public)
	mux.HandleFunc("GET /auth/challenge", authHandler.Challenge)
	mux.HandleFunc("POST /auth/login", authHandler.Login)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)

	// Protected API routes
	api := http.NewServeMux()
	api.HandleFunc("POST /games", gameHandler.CreateGame)
	api.HandleFunc("GET /games", gameHandler.ListGames)
	api.HandleFunc("GET /games/{id}", gameHandler.GetGame)
	api.HandleFunc("GET /games/{id}/state", gameHandler.GetState)
	api.HandleFunc("POST /games/{id}/join", gameHandler.JoinGame)
	api.HandleFunc("POST /games/{id}/ready", gameHandler.Ready)
	api.HandleFunc("POST /games/{id}/start", gameHandler.StartGame)
	api.HandleFunc("POST /games/{id}/stop", gameHandler.StopGame)
	api.HandleFunc("DELETE /games/{id}", gameHandler.DeleteGame)
	api.HandleFunc("GET /games/{id}/rounds", gameHandler.ListRounds)
	api.HandleFunc("GET /games/{id}/messages", gameHandler.ListMessages)

	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", authMw(api)))

	// WebSocket (auth via query param, not middleware)
	mux.HandleFunc("GET /api/v1/ws", wsHandler.ServeWS)

	// Apply global middleware
	root := middleware.Chain(mux, middleware.Logger, middleware.CORS("*"), middleware.JSON)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Relaunch runners for games that were active before the restart.
	if err := orch.RecoverActiveGames(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to recover active games (non-fatal)")
	}

	// Start timer listener
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timerListener.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Orchestrator shutdown error")
	}
	log.Info().Msg("Server stopped")
}
