package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"

	ModeLambda = "lambda"
	ModePoller = "poller"
)

// Config holds every setting the process reads at startup.
type Config struct {
	StoreBackend     string
	StateTable       string
	DatabaseURL      string
	DatabaseURLParam string
	MigrateAtStart   bool

	RunMode        string
	IngestQueueURL string
	RepairQueueURL string

	// ProfileCacheTTL enables the per-process profile cache. A profile
	// deleted elsewhere can be served from it until the TTL runs out.
	ProfileCacheTTL time.Duration
	MetricsAddr     string
	PollWaitSeconds int32
	PollMaxMessages int32

	LogLevel slog.Level
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv and validates it.
func LoadFrom(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		StoreBackend:     strings.ToLower(env("STORE_BACKEND", BackendDynamoDB)),
		StateTable:       env("STATE_TABLE", ""),
		DatabaseURL:      env("DATABASE_URL", ""),
		DatabaseURLParam: env("DATABASE_URL_PARAM", ""),
		RunMode:          strings.ToLower(env("RUN_MODE", ModeLambda)),
		IngestQueueURL:   env("INGEST_QUEUE_URL", ""),
		RepairQueueURL:   env("REPAIR_QUEUE_URL", ""),
		MetricsAddr:      env("METRICS_ADDR", ":9090"),
	}

	var errs []error
	var err error
	if cfg.MigrateAtStart, err = strconv.ParseBool(env("MIGRATE_AT_START", "true")); err != nil {
		errs = append(errs, fmt.Errorf("MIGRATE_AT_START: %w", err))
	}
	if cfg.ProfileCacheTTL, err = time.ParseDuration(env("PROFILE_CACHE_TTL", "0")); err != nil {
		errs = append(errs, fmt.Errorf("PROFILE_CACHE_TTL: %w", err))
	}
	if cfg.PollWaitSeconds, err = envInt32(env("POLL_WAIT_SECONDS", "20"), 0, 20); err != nil {
		errs = append(errs, fmt.Errorf("POLL_WAIT_SECONDS: %w", err))
	}
	if cfg.PollMaxMessages, err = envInt32(env("POLL_MAX_MESSAGES", "10"), 1, 10); err != nil {
		errs = append(errs, fmt.Errorf("POLL_MAX_MESSAGES: %w", err))
	}
	if err = cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	switch cfg.StoreBackend {
	case BackendDynamoDB:
		if cfg.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendPostgres, BackendSQLite:
		if cfg.DatabaseURL == "" && cfg.DatabaseURLParam == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL or DATABASE_URL_PARAM is required for the %s backend", cfg.StoreBackend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not supported", cfg.StoreBackend))
	}

	switch cfg.RunMode {
	case ModeLambda:
	case ModePoller:
		if cfg.IngestQueueURL == "" {
			errs = append(errs, errors.New("INGEST_QUEUE_URL is required in poller mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("RUN_MODE %q is not supported", cfg.RunMode))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func envInt32(v string, lo, hi int) (int32, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d is outside [%d, %d]", n, lo, hi)
	}
	return int32(n), nil
}

// MetricsEnabled reports whether the process serves /metrics. Only the
// poller runs long enough to be scraped.
func (c Config) MetricsEnabled() bool {
	return c.RunMode == ModePoller
}
