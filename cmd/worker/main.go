package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/fruit-orders/internal/config"
	"github.com/joao-fontenele/fruit-orders/internal/messaging"
	"github.com/joao-fontenele/fruit-orders/internal/telemetry"
	"github.com/joao-fontenele/fruit-orders/internal/worker"
)

const serviceName = "notification-worker"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}
	if cfg.NotifyServiceURL == "" {
		logger.Error("NOTIFY_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, version, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init tracer", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.OrderCreatedTopic, cfg.ConsumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	notificationHandler := worker.NewNotificationHandler(cfg.NotifyServiceURL, httpClient, logger)

	logger.Info("starting notification worker",
		"brokers", cfg.KafkaBrokers,
		"topic", cfg.OrderCreatedTopic,
		"group", cfg.ConsumerGroup,
	)

	if err := consumer.Consume(ctx, notificationHandler.Handle); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
