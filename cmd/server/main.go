package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BalajiS74/trakerbackend/internal/auth"
	"github.com/BalajiS74/trakerbackend/internal/blob"
	"github.com/BalajiS74/trakerbackend/internal/cache"
	"github.com/BalajiS74/trakerbackend/internal/config"
	"github.com/BalajiS74/trakerbackend/internal/db"
	internalhttp "github.com/BalajiS74/trakerbackend/internal/http"
	"github.com/BalajiS74/trakerbackend/internal/repository"
	"github.com/BalajiS74/trakerbackend/internal/session"
)

func main() {
	cfg := config.Load()
	if cfg.AccessTokenSecret == "" || cfg.RefreshTokenSecret == "" {
		log.Fatal("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must be set")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "trakerbackend")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repository.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	var statsCache session.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("redis ping failed: %v", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", "error", err)
			}
		}()
		statsCache = cache.NewRedis(redisClient, cfg.StatsCacheTTL)
	}

	blobs, err := blob.NewDisk(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		log.Fatalf("blob store init failed: %v", err)
	}

	store := repository.NewPostgres(pool)
	tokens := auth.NewTokens(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.JWTIssuer,
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	sessions := session.NewService(store, tokens, blobs, statsCache, logger)
	server := internalhttp.NewServer(cfg, sessions, tokens, store, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
