// Ticketeer Payments Microservice
//
// This is the main entry point for the Sofort payment integration service.
// It wires up all dependencies and starts the HTTP server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/config"
	"github.com/ticketeer/ticketeer-payments/internal/api"
	"github.com/ticketeer/ticketeer-payments/internal/domain"
	"github.com/ticketeer/ticketeer-payments/internal/events"
	"github.com/ticketeer/ticketeer-payments/internal/payment"
	"github.com/ticketeer/ticketeer-payments/internal/platform/ticketcore"
	"github.com/ticketeer/ticketeer-payments/internal/reconcile"
	"github.com/ticketeer/ticketeer-payments/internal/signing"
	"github.com/ticketeer/ticketeer-payments/internal/sofort"
	"github.com/ticketeer/ticketeer-payments/internal/store"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Server.GinMode)
	defer logger.Sync()

	logger.Info("starting ticketeer-payments service",
		zap.String("port", cfg.Server.Port),
		zap.String("core_url", cfg.Core.BaseURL))

	if err := validateConfig(cfg); err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	// Wire up dependencies (manual dependency injection)
	//
	// Infrastructure Layer
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	coreClient := ticketcore.NewClient(cfg.Core.BaseURL, cfg.Core.APIKey)
	gateway := sofort.NewAPI(
		sofort.NewClient(cfg.Sofort.APIURL, cfg.Sofort.CustomerID, cfg.Sofort.APIKey, cfg.Sofort.Timeout),
		cfg.Sofort.ProjectID,
		logger,
	)
	signer := signing.New(cfg.Security.SigningSecret, signing.RedirectSalt)

	var publisher domain.EventPublisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kp.Close()
		publisher = kp
	}

	// Service Layer
	engine := reconcile.New(gateway, db, coreClient, publisher, logger,
		reconcile.LossRevertPolicy(cfg.Reconcile.LossRevert))
	paymentService := payment.NewService(gateway, db, coreClient, signer,
		cfg.Server.PublicBaseURL, logger)

	// API Layer
	handler := api.NewHandler(paymentService, engine, db, coreClient, signer,
		cfg.Core.OrderURLTemplate, logger)
	router := api.SetupRouter(handler, cfg.Server.GinMode, cfg.Core.ServiceToken)

	// Start server in a goroutine
	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	go func() {
		logger.Info("server listening", zap.String("addr", serverAddr))
		if err := router.Run(serverAddr); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
}

func newLogger(ginMode string) *zap.Logger {
	if ginMode == "release" {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

// validateConfig checks that required configuration values are set.
func validateConfig(cfg *config.Config) error {
	if cfg.Core.BaseURL == "" {
		return fmt.Errorf("TICKETEER_CORE_URL is required")
	}
	if cfg.Sofort.CustomerID == "" || cfg.Sofort.APIKey == "" || cfg.Sofort.ProjectID == "" {
		return fmt.Errorf("SOFORT_CUSTOMER_ID, SOFORT_API_KEY and SOFORT_PROJECT_ID are required")
	}
	if cfg.Security.SigningSecret == "" {
		return fmt.Errorf("SIGNING_SECRET is required")
	}
	return nil
}
