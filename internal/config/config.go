package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Store       string `validate:"oneof=postgres memory"`
	DatabaseURL string

	NATSURL         string `validate:"required"`
	NATSName        string `validate:"required"`
	LogNATSSubjects bool

	AMQPURL     string // empty disables lifecycle events
	MetricsAddr string // empty disables the metrics server
	RoutesFile  string // empty skips seeding

	MinPublishDistanceM float64       `validate:"gte=0"`
	MinPublishInterval  time.Duration `validate:"gte=0"`
	CityRecheckInterval time.Duration `validate:"gt=0"`

	LogLevel string `validate:"oneof=trace debug info warn error"`
}

// Load reads .env plus the environment and validates the result.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Store:               getenvDefault("STORE", "postgres"),
		NATSURL:             getenvDefault("NATS_URL", "nats://127.0.0.1:4222"),
		NATSName:            getenvDefault("NATS_NAME", "busroutemate-tracker"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
		RoutesFile:          os.Getenv("ROUTES_FILE"),
		MinPublishDistanceM: 10,
		MinPublishInterval:  5 * time.Second,
		CityRecheckInterval: 30 * time.Second,
		LogLevel:            strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
	}

	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		}
	}

	if v := os.Getenv("MIN_PUBLISH_DISTANCE_M"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid MIN_PUBLISH_DISTANCE_M: %q", v)
		}
		cfg.MinPublishDistanceM = f
	}
	if v := os.Getenv("MIN_PUBLISH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid MIN_PUBLISH_INTERVAL_MS: %q", v)
		}
		cfg.MinPublishInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("CITY_RECHECK_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid CITY_RECHECK_INTERVAL_SEC: %q", v)
		}
		cfg.CityRecheckInterval = time.Duration(sec) * time.Second
	}

	if cfg.Store == "postgres" {
		dsn, err := resolveDSN()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveDSN prefers DATABASE_URL / PG_DSN and falls back to composing one
// from the PG* variables.
func resolveDSN() (string, error) {
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (or run with STORE=memory)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
