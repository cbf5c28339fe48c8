package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"chatrelay/backend/internal/api/handler"
	"chatrelay/backend/internal/broker"
	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/pending"
	"chatrelay/backend/internal/persistence"
	"chatrelay/backend/internal/retry"
	"chatrelay/backend/internal/storage"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"gorm.io/gorm"
)

func main() {
	bootLogger := logging.New("info", "json")
	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting chat delivery service")
	cfg.LogConfig(logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Backing stores
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open storage")
	}

	// 2. Broker
	brokerManager := broker.NewManager(broker.OptionsFromConfig(cfg), broker.DialAMQP, logger)
	if err := brokerManager.Connect(ctx); err != nil {
		// A reconnect is already scheduled; the service starts degraded.
		logger.Error().Err(err).Msg("Initial broker connection failed")
	}

	router := broker.NewRouter(brokerManager, retry.Config{
		MaxAttempts: cfg.PublishMaxAttempts,
		BaseDelay:   cfg.PublishBaseDelay,
		Multiplier:  cfg.PublishMultiplier,
	}, logger)

	var archive broker.Archive
	if store.DB != nil {
		archive = store
	}
	deadLetterConsumers := broker.NewDeadLetterHandler(router, archive, logger).Start(ctx)

	// 3. Hub
	var pendingStore pending.Store = pending.NewMemoryStore()
	if rs := store.Pending(); rs != nil {
		pendingStore = rs
	}

	hub := chathub.NewManagerService(ctx, chathub.Deps{
		Publisher: router,
		Consumers: chathub.RouterConsumers(router),
		Persister: persistence.NewClient(cfg.ExternalAPIURL, cfg.ExternalAPITimeout, logger),
		Buffer:    pending.NewBuffer(pendingStore, cfg.PendingLimit, logger),
	}, chathub.Options{
		Registry: chathub.RegistryConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			GracePeriod:       cfg.GracePeriod,
		},
		RateLimit:     cfg.ClientRateLimit,
		RateBurst:     cfg.ClientRateBurst,
		SendQueueSize: config.SendQueueSize,
	}, logger)
	go hub.Run(ctx)

	// 4. HTTP
	h := handler.NewHandler(ctx, hub, handler.NewAuthenticator(cfg.JWTSecret), brokerManager, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Steps run in order inside one operation: the map gives no ordering.
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"delivery": func(shutdownCtx context.Context) error {
			logger.Info().Msg("Graceful shutdown initiated")

			var errs []error
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			if err := hub.Shutdown(shutdownCtx, config.CloseServiceRestart, "server restart"); err != nil {
				errs = append(errs, err)
			}
			for _, c := range deadLetterConsumers {
				c.Cancel()
			}
			cancel()
			if err := brokerManager.Close(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			if err := store.Close(); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	})

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("Service stopped")
	os.Exit(exitCode)
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage.Service, error) {
	var db *gorm.DB
	if cfg.DatabaseURL != "" {
		var err error
		if db, err = storage.OpenPostgres(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info().Msg("Dead-letter archive enabled")
	}

	s := storage.NewStorageService(db, nil)
	if cfg.PendingBackend == config.PendingBackendRedis {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rdb, err := storage.OpenRedis(pingCtx, cfg.RedisURL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Redis = rdb
		logger.Info().Msg("Redis pending buffer enabled")
	}
	return s, nil
}
