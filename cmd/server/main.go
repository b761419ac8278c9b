package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourorg/candle-cache/internal/aggregator"
	"github.com/yourorg/candle-cache/internal/config"
	"github.com/yourorg/candle-cache/internal/events"
	"github.com/yourorg/candle-cache/internal/handler"
	"github.com/yourorg/candle-cache/internal/metrics"
	"github.com/yourorg/candle-cache/internal/middleware"
	"github.com/yourorg/candle-cache/internal/model"
	"github.com/yourorg/candle-cache/internal/repository"
	"github.com/yourorg/candle-cache/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "config/config.yaml", "path to the config file")
	pflag.Parse()

	// Optional .env for local development
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := createLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	aggCfg := aggregationConfig(cfg.Candles)
	if err := aggCfg.Validate(); err != nil {
		logger.Fatal("Invalid candle configuration", zap.Error(err))
	}

	// Connect to database
	db, err := connectToDB(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.VerifySchema(schemaCtx, db, logger); err != nil {
		cancelSchema()
		logger.Fatal("Database schema check failed", zap.Error(err))
	}
	cancelSchema()

	// Initialize repositories
	candleRepo := repository.NewCandleRepository(db, logger)
	paramRepo := repository.NewParamRepository(db, logger)
	priceRepo := repository.NewPriceRepository(db, logger)

	// Event publishing
	var publisher events.Publisher
	if cfg.Kafka.Enabled {
		publisher = events.NewProducer(events.ProducerConfig{
			Brokers:      cfg.Kafka.BrokerList(),
			ClientID:     cfg.Kafka.ClientID,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, logger)
		defer publisher.Close()
	}
	notifier := events.NewNotifier(publisher, events.Topics{
		Candles: cfg.Kafka.Topics.Candles,
		Process: cfg.Kafka.Topics.Process,
	}, logger)

	// Response cache
	var backend middleware.CacheBackend
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unavailable, response cache disabled", zap.Error(err))
		} else {
			backend = middleware.NewRedisBackend(redisClient)
		}
		cancelPing()
	}
	responseCache := middleware.NewResponseCache(backend, middleware.CacheConfig{
		Enabled:         cfg.Redis.Enabled,
		DefaultDuration: cfg.Redis.TTL,
		PrefixKey:       cfg.Redis.Prefix,
	}, logger)

	m := metrics.New(prometheus.DefaultRegisterer)
	retry := service.RetryPolicy{
		MaxRetries:      cfg.Store.MaxRetries,
		InitialInterval: cfg.Store.InitialBackoff,
		MaxInterval:     cfg.Store.MaxBackoff,
	}

	// Initialize services
	coordinator := service.NewCoordinator(logger)
	coordinator.Init()

	builderService := service.NewBuilderService(
		priceRepo,
		candleRepo,
		paramRepo,
		coordinator,
		notifier,
		m,
		service.BuilderConfig{
			PollInterval:      cfg.Builder.PollInterval,
			BatchSize:         cfg.Builder.BatchSize,
			MaxBatchesPerTick: cfg.Builder.MaxBatchesPerTick,
			Concurrency:       cfg.Builder.Concurrency,
			ErrorBackoffMax:   cfg.Builder.ErrorBackoffMax,
		},
		aggCfg,
		retry,
		logger,
	)
	rebuilderService := service.NewRebuilderService(
		priceRepo,
		candleRepo,
		paramRepo,
		coordinator,
		builderService,
		responseCache,
		notifier,
		m,
		service.RebuilderConfig{
			BatchSize:    cfg.Rebuilder.BatchSize,
			WaitInterval: cfg.Rebuilder.WaitInterval,
		},
		aggCfg,
		retry,
		logger,
	)
	candleService := service.NewCandleService(candleRepo, aggCfg, cfg.Candles.MaxQueryBuckets, logger)

	// Initialize handlers
	cacheHandler := handler.NewCacheHandler(coordinator, rebuilderService, logger)
	candleHandler := handler.NewCandleHandler(candleService, coordinator, logger)
	streamHandler := handler.NewStatusStreamHandler(coordinator, logger)

	router := setupRouter(cacheHandler, candleHandler, streamHandler, responseCache, db, logger, cfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start the builder
	builderCtx, stopBuilder := context.WithCancel(context.Background())
	builderDone := make(chan struct{})
	go func() {
		defer close(builderDone)
		if !cfg.Builder.Enabled {
			logger.Info("Candle cache builder disabled")
			return
		}
		if err := builderService.Run(builderCtx); err != nil {
			logger.Error("Builder stopped", zap.Error(err))
		}
	}()

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	stopBuilder()
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Warn("Active rebuild did not stop in time", zap.Error(err))
	}
	stopped := make(chan struct{})
	go func() {
		<-builderDone
		builderService.Wait()
		rebuilderService.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn("Candle processes did not stop in time")
	}

	logger.Info("Server exited properly")
}

func aggregationConfig(c config.CandlesConfig) aggregator.Config {
	types := make([]model.CandleType, 0, len(c.Types))
	for _, t := range c.Types {
		types = append(types, model.CandleType(t))
	}
	return aggregator.Config{
		Intervals:        c.Intervals,
		TrailingAvgTimes: c.TrailingAvgTimes,
		Types:            types,
	}
}

func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	config := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

func connectToDB(dbConfig config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.DBName,
		dbConfig.SSLMode,
	)

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	return db, nil
}

func setupRouter(
	cacheHandler *handler.CacheHandler,
	candleHandler *handler.CandleHandler,
	streamHandler *handler.StatusStreamHandler,
	responseCache *middleware.ResponseCache,
	db *sqlx.DB,
	logger *zap.Logger,
	cfg *config.Config,
) *gin.Engine {
	router := gin.New()

	// Use middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// Status routes
	status := router.Group("/candle-cache-status")
	{
		status.GET("", cacheHandler.GetRebuildStatus)
		status.GET("/all", cacheHandler.GetAllStatus)
		status.GET("/stream", streamHandler.Stream)
		status.GET("/:process", cacheHandler.GetStatus)
	}

	// Control routes
	control := router.Group("")
	if cfg.RateLimit.Enabled {
		control.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize)))
	}
	{
		control.GET("/refresh-candle-cache", cacheHandler.Refresh)
		control.GET("/refresh-candle-cache/:resourceSlug", cacheHandler.RefreshResource)
		control.POST("/candle-cache-rebuild/cancel", cacheHandler.CancelRebuild)
	}

	// API routes
	v1 := router.Group("/api/v1")
	{
		candles := v1.Group("/candles")
		candles.Use(responseCache.Middleware())
		candles.GET("", candleHandler.GetCandles)
	}

	return router
}
