package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/handlers"
	"github.com/mossy-p/webrtc-matchmaking/internal/queue"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, signals, cleanup, err := backends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.New(store, signals, logger).Routes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting matchmaking signaling server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// backends connects the shared Redis waiting list and relay. Outside
// production an unreachable Redis falls back to in-process backends, which
// only pair participants connected to this one server.
func backends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (queue.Store, relay.Relay, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := redis.Connect(connectCtx, cfg.Redis)
	if err == nil {
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connection established")
		store := queue.NewRedisStore(client, cfg.QueueTTL, logger.With().Str("component", "queue").Logger())
		signals := relay.NewRedis(client, logger.With().Str("component", "relay").Logger())
		return store, signals, func() { client.Close() }, nil
	}
	if cfg.IsProduction() {
		return nil, nil, nil, err
	}

	logger.Warn().Err(err).Msg("Redis unavailable, using in-memory queue and relay")
	store := queue.NewMemoryStore(logger.With().Str("component", "queue").Logger())
	signals := relay.NewMemory(logger.With().Str("component", "relay").Logger())
	return store, signals, func() { signals.Close() }, nil
}
