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

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/handler"
	"github.com/Dan9191/loan-payments/internal/integrations/kafka"
	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/integrations/redislock"
	"github.com/Dan9191/loan-payments/internal/metrics"
	"github.com/Dan9191/loan-payments/internal/middleware"
	"github.com/Dan9191/loan-payments/internal/repository"
	"github.com/Dan9191/loan-payments/internal/service"
	"github.com/Dan9191/loan-payments/internal/utils"
	"github.com/Dan9191/loan-payments/internal/utils/email"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Initialize storage
	store, closeStore := openStore(cfg, logger)
	defer closeStore()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Providers
	registry := provider.NewRegistry(
		provider.NewPushAdapter(cfg.Providers.Push, logger),
		provider.NewPullAdapter(cfg.Providers.Pull, logger),
		provider.NewManualAdapter(cfg.Providers.Manual, logger),
	)

	// Outbound events and operator alerts
	opts := service.Options{Metrics: m}
	if len(cfg.KafkaBrokers) > 0 {
		notifier := kafka.NewNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer notifier.Close()
		opts.Notifier = notifier
		logger.Infof("Publishing payment events to %s", cfg.KafkaTopic)
	}
	if cfg.SMTPHost != "" && len(cfg.AlertRecipients) > 0 {
		opts.Alerter = email.NewSender(cfg, logger)
	}

	svc := service.NewService(store, registry, cfg, logger, opts)

	// Sweep
	var locker service.Locker = redislock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		locker = redislock.NewRedisLocker(client, redislock.SweepLockName, cfg.Sweep.LockTTL, logger)
	}
	sweeper, err := service.NewSweeper(svc, locker)
	if err != nil {
		logger.Fatalf("Failed to schedule sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Setup router
	h := handler.NewHandler(svc, logger)
	r := handler.NewRouter(h, middleware.AuthMiddleware(cfg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Server shutdown failed: %v", err)
		}
	}()

	logger.Infof("Starting server on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Server failed: %v", err)
	}
	logger.Info("Server stopped")
}

func openStore(cfg *config.Config, logger *logrus.Logger) (repository.Store, func()) {
	if cfg.Storage == "memory" {
		logger.Warn("Using in-memory storage; data is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}

	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	cipher, err := utils.NewFieldCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Fatalf("Failed to initialize field cipher: %v", err)
	}
	return repository.NewRepository(db, cipher), func() { db.Close() }
}
