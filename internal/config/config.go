package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the settings shared by all binaries. Each binary checks the
// fields it actually needs.
type Config struct {
	Port            string
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	PostgresURL    string
	MigrationsPath string

	KafkaBrokers      []string
	OrderCreatedTopic string
	ConsumerGroup     string

	CORSAllowedOrigins []string

	TracingEnabled bool
	OTLPEndpoint   string

	NotifyServiceURL string
}

var defaultOrigins = []string{
	"http://127.0.0.1:5173",
	"http://127.0.0.1:3000",
}

// Load reads configuration from the environment. Variables from envFiles
// (".env" when none are given) are applied first without overriding the
// real environment; missing files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8081")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("MIGRATIONS_PATH", "file://migrations")
	v.SetDefault("ORDER_CREATED_TOPIC", "order.created")
	v.SetDefault("CONSUMER_GROUP", "order-notification-worker")
	v.SetDefault("CORS_ALLOWED_ORIGINS", strings.Join(defaultOrigins, ","))
	v.SetDefault("TRACING_ENABLED", true)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", v.GetString("LOG_LEVEL"), err)
	}

	shutdown, err := time.ParseDuration(v.GetString("SHUTDOWN_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Port:               v.GetString("PORT"),
		LogLevel:           level,
		ShutdownTimeout:    shutdown,
		PostgresURL:        v.GetString("POSTGRES_URL"),
		MigrationsPath:     v.GetString("MIGRATIONS_PATH"),
		KafkaBrokers:       splitList(v.GetString("KAFKA_BROKERS")),
		OrderCreatedTopic:  v.GetString("ORDER_CREATED_TOPIC"),
		ConsumerGroup:      v.GetString("CONSUMER_GROUP"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		TracingEnabled:     v.GetBool("TRACING_ENABLED"),
		OTLPEndpoint:       v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifyServiceURL:   v.GetString("NOTIFY_SERVICE_URL"),
	}

	if cfg.Port == "" {
		return nil, errors.New("PORT must not be empty")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
