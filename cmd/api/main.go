package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/db"
	apihttp "chat-relay/internal/http"
	"chat-relay/internal/llm"
	"chat-relay/internal/repository"
	"chat-relay/internal/service"
	"chat-relay/internal/storage"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	userRepo := repository.NewPgUserRepository(pool)
	conversationRepo := repository.NewPgConversationRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)
	embeddingRepo := repository.NewPgEmbeddingRepository(pool)

	provider := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMEmbedModel, zap.NewStdLog(logger))

	var (
		guard      service.StreamGuard = service.NewMemoryStreamGuard()
		tokenStore service.RefreshTokenStore
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		} else {
			guard = service.NewRedisStreamGuard(redisClient, time.Duration(cfg.StreamGuardTTLSeconds)*time.Second)
			tokenStore = service.NewRedisRefreshTokenStore(redisClient)
		}
		cancel()
	}

	coordinator := service.NewWriteCoordinator(messageRepo, conversationRepo, cfg.WriteMaxAttempts)
	contextSvc := service.NewRecallContextService(logger, messageRepo, embeddingRepo, provider, cfg.ContextWindow, cfg.ContextRecallK)
	relaySvc := service.NewRelayService(logger, provider, conversationRepo, messageRepo, coordinator, guard, contextSvc)

	var archiver service.Archiver
	if cfg.GCSBucket != "" {
		gcs, err := storage.NewGCSArchiver(ctx, cfg.GCSBucket)
		if err != nil {
			logger.Warn("gcs archiver init failed", zap.Error(err))
		} else {
			archiver = gcs
		}
	}
	uploadSvc := service.NewUploadService(logger, provider, archiver, cfg.UploadMaxBytes)

	jwtSvc := service.NewJWTServiceWithStore(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLMinutes)*time.Minute,
		tokenStore,
	)
	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret not configured")
	}
	userSvc := service.NewUserService(logger, userRepo)

	authHandler := apihttp.NewAuthHandler(logger, userSvc, jwtSvc)
	relayHandler := apihttp.NewRelayHandler(logger, relaySvc, contextSvc)
	uploadHandler := apihttp.NewUploadHandler(logger, uploadSvc)
	conversationHandler := apihttp.NewConversationHandler(logger, relaySvc, conversationRepo, messageRepo)
	router := apihttp.NewRouter(logger, jwtSvc, authHandler, relayHandler, uploadHandler, conversationHandler)

	// Sin WriteTimeout: los streams de /ask viven más que cualquier valor
	// razonable y se cortan vía contexto del request.
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
