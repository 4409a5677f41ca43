package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(envOf(map[string]string{"STATE_TABLE": "messaging"}))
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.StoreBackend)
	require.Equal(t, ModeLambda, cfg.RunMode)
	require.True(t, cfg.MigrateAtStart)
	require.Zero(t, cfg.ProfileCacheTTL)
	require.False(t, cfg.MetricsEnabled())
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, int32(20), cfg.PollWaitSeconds)
	require.Equal(t, int32(10), cfg.PollMaxMessages)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFrom_PollerOnPostgres(t *testing.T) {
	cfg, err := LoadFrom(envOf(map[string]string{
		"STORE_BACKEND":      "Postgres",
		"DATABASE_URL_PARAM": "/messaging/dsn",
		"RUN_MODE":           "poller",
		"INGEST_QUEUE_URL":   "https://sqs/ingest",
		"PROFILE_CACHE_TTL":  "30s",
		"MIGRATE_AT_START":   "false",
		"LOG_LEVEL":          "debug",
		"POLL_MAX_MESSAGES":  "5",
	}))
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.StoreBackend)
	require.Equal(t, "/messaging/dsn", cfg.DatabaseURLParam)
	require.Equal(t, ModePoller, cfg.RunMode)
	require.Equal(t, 30*time.Second, cfg.ProfileCacheTTL)
	require.True(t, cfg.MetricsEnabled())
	require.False(t, cfg.MigrateAtStart)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, int32(5), cfg.PollMaxMessages)
}

func TestLoadFrom_CollectsEveryProblem(t *testing.T) {
	_, err := LoadFrom(envOf(map[string]string{
		"STORE_BACKEND":     "sqlite",
		"RUN_MODE":          "poller",
		"POLL_WAIT_SECONDS": "60",
		"PROFILE_CACHE_TTL": "soon",
	}))
	require.Error(t, err)
	for _, want := range []string{"DATABASE_URL", "INGEST_QUEUE_URL", "POLL_WAIT_SECONDS", "PROFILE_CACHE_TTL"} {
		require.ErrorContains(t, err, want)
	}
}

func TestLoadFrom_UnknownValues(t *testing.T) {
	_, err := LoadFrom(envOf(map[string]string{"STORE_BACKEND": "cassandra"}))
	require.ErrorContains(t, err, "cassandra")

	_, err = LoadFrom(envOf(map[string]string{"STORE_BACKEND": "memory", "RUN_MODE": "cron"}))
	require.ErrorContains(t, err, "cron")
}
