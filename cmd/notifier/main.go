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

	"github.com/joao-fontenele/fruit-orders/internal/config"
	"github.com/joao-fontenele/fruit-orders/internal/httpx"
	"github.com/joao-fontenele/fruit-orders/internal/notify"
	"github.com/joao-fontenele/fruit-orders/internal/telemetry"
)

const serviceName = "notifier"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracerProvider(context.Background(), serviceName, version, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init tracer", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	mux := http.NewServeMux()
	notify.NewHandler(logger).Register(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.HTTPHandler(httpx.AccessLog(logger)(mux), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting notifier service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
