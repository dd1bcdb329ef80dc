package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rentfeed/internal/config"
	"rentfeed/internal/domain"
	"rentfeed/internal/extractor"
	"rentfeed/internal/geocoder"
	"rentfeed/internal/normalizer"
	"rentfeed/internal/publisher"
	"rentfeed/internal/queue"
	"rentfeed/internal/scheduler"
	"rentfeed/internal/service"
	"rentfeed/internal/source/telegram"
	"rentfeed/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitMQ.Close()

	// Stores
	postStore := postgres.NewPostStore(db)
	listingStore := postgres.NewListingStore(db)
	extractionCache := postgres.NewExtractionCacheStore(db)
	geocodeCache := postgres.NewGeocodeCacheStore(db)
	jobStore := postgres.NewJobStore(db)
	cursorStore := postgres.NewChannelCursorStore(db)
	txManager := postgres.NewTransactionManager(db)

	// Provider clients
	aiClient := extractor.NewOpenAIClient(extractor.OpenAIConfig{
		BaseURL:           cfg.AI.BaseURL,
		APIKey:            cfg.AI.APIKey,
		Model:             cfg.AI.Model,
		Timeout:           cfg.AI.Timeout,
		MaxTokens:         cfg.AI.MaxTokens,
		RequestsPerSecond: cfg.AI.RateLimit.RequestsPerSecond,
		Burst:             cfg.AI.RateLimit.Burst,
		PriceInPer1K:      cfg.AI.PriceInPer1K,
		PriceOutPer1K:     cfg.AI.PriceOutPer1K,
	}, logger)

	nominatim := geocoder.NewNominatimClient(geocoder.NominatimConfig{
		BaseURL:           cfg.Geocoding.BaseURL,
		UserAgent:         cfg.Geocoding.UserAgent,
		City:              cfg.Geocoding.City,
		Timeout:           cfg.Geocoding.Timeout,
		RequestsPerSecond: cfg.Geocoding.RateLimit.RequestsPerSecond,
		Burst:             cfg.Geocoding.RateLimit.Burst,
	}, logger)

	// Pipeline components
	extractionService := extractor.NewService(aiClient, extractionCache, cfg.AI.CacheTTL, logger)
	geocodeService := geocoder.NewService(nominatim, geocodeCache, geocoder.Config{
		Bounds:      cfg.Geocoding.BoundingBox,
		TTL:         cfg.Geocoding.CacheTTL,
		NegativeTTL: cfg.Geocoding.NegativeCacheTTL,
	}, logger)
	norm := normalizer.New(cfg.AI.AcceptanceThreshold)

	feedSource := telegram.New(telegram.Config{
		BaseURL:        cfg.Scraper.BaseURL,
		Token:          cfg.Scraper.Token,
		PageSize:       cfg.Scraper.PageSize,
		Timeout:        cfg.Scraper.Timeout,
		MaxAttempts:    cfg.Scraper.Retry.MaxAttempts,
		InitialBackoff: cfg.Scraper.Retry.InitialBackoff,
		MaxBackoff:     cfg.Scraper.Retry.MaxBackoff,
	}, logger)

	controller := queue.NewController(jobStore, queue.Config{
		Concurrency:       cfg.Ingest.Concurrency,
		ClaimInterval:     cfg.Ingest.ClaimInterval,
		MaxAttempts:       cfg.Ingest.MaxAttempts,
		BackoffBase:       cfg.Ingest.BackoffBase,
		BackoffMax:        cfg.Ingest.BackoffMax,
		ProcessingTimeout: cfg.Ingest.ProcessingTimeout,
		SweepInterval:     cfg.Ingest.SweepInterval,
	}, logger)

	ingest := service.NewIngestService(
		feedSource,
		postStore,
		listingStore,
		cursorStore,
		extractionService,
		geocodeService,
		norm,
		controller,
		txManager,
		rabbitMQ,
		logger,
		service.Config{
			Channels:       cfg.Scraper.Channels,
			RegeocodeDelay: cfg.Geocoding.NegativeCacheTTL,
		},
	)

	controller.Register(domain.JobParsePost, ingest.HandleParsePost)
	controller.Register(domain.JobGeocodeListing, ingest.HandleGeocodeListing)

	sched := scheduler.NewScheduler(ingest, cfg.Ingest.PollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting ingestion worker",
		"channels", cfg.Scraper.Channels,
		"poll_interval", cfg.Ingest.PollInterval,
		"concurrency", cfg.Ingest.Concurrency,
	)

	errCh := make(chan error, 2)
	go func() { errCh <- sched.Start(ctx) }()
	go func() { errCh <- controller.Run(ctx) }()

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	// Let the second loop drain in-flight work.
	<-errCh
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
