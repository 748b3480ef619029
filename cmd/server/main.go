package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/preetsinghmakkar/CounselCall/internal/cache"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/handlers"
	"github.com/preetsinghmakkar/CounselCall/internal/repositories"
	"github.com/preetsinghmakkar/CounselCall/internal/routes"
	"github.com/preetsinghmakkar/CounselCall/internal/services"
	ws "github.com/preetsinghmakkar/CounselCall/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "counselcall").Logger()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := sql.Open("postgres", cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("connected to postgres")

	// presence snapshots are optional
	var presence cache.PresenceCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to ping redis")
		}
		presence = cache.NewPresenceCache(rdb, config.PresenceTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	sessionRepo := repositories.NewConsultationSessionRepository(db)
	attendanceRepo := repositories.NewAttendanceRepository(db)
	userRepo := repositories.NewUserRepository(db)

	consultationService := services.NewConsultationService(sessionRepo, attendanceRepo, presence, log)

	hub := ws.NewHub(cfg.MaxParticipantsPerRoom, ws.NewMetrics(), log)
	hub.SetListener(consultationService)
	consultationService.SetRoster(hub)

	router := routes.NewRouter(cfg.CORSOrigins, log)
	routes.RegisterPublicEndpoints(
		router,
		handlers.NewWebSocketHandler(hub, cfg.CORSOrigins, log),
		hub,
		sessionRepo,
		userRepo,
		cfg.JWTSecret,
		log,
	)
	routes.RegisterProtectedEndpoints(
		router,
		handlers.NewConsultationHandler(consultationService, log),
		cfg.JWTSecret,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Int("max_per_room", cfg.MaxParticipantsPerRoom).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen and serve")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// hijacked websocket connections are not tracked by srv
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}
