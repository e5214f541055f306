package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 1*time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 60*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 2*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	assert.Equal(t, 10*time.Second, cfg.DownstreamTimeout)
	assert.Equal(t, 60*time.Second, cfg.StaleProcessingThreshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_URL", "postgres://user:pw@db/spine")
	t.Setenv("MAX_RETRY_ATTEMPTS", "3")
	t.Setenv("INITIAL_RETRY_DELAY", "500ms")
	t.Setenv("WORKER_POLL_INTERVAL", "7") // bare integer means seconds
	t.Setenv("MOCK_FAILURE_RATE", "0.75")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "postgres://user:pw@db/spine", cfg.DatabaseURL)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialRetryDelay)
	assert.Equal(t, 7*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 0.75, cfg.MockFailureRate)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\nmax_retry_attempts: 9\n"), 0o600))
	t.Setenv("SPINE_CONFIG_FILE", path)
	t.Setenv("PORT", "7777")

	cfg, err := Load()
	require.NoError(t, err)

	// Env wins over file; file wins over defaults.
	assert.Equal(t, "7777", cfg.Port)
	assert.Equal(t, 9, cfg.MaxRetryAttempts)
	assert.Equal(t, 60*time.Second, cfg.MaxRetryDelay)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"MAX_RETRY_ATTEMPTS":  "many",
		"INITIAL_RETRY_DELAY": "soon",
		"MOCK_FAILURE_RATE":   "often",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Run("zero attempts", func(t *testing.T) {
		t.Setenv("MAX_RETRY_ATTEMPTS", "0")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("initial above max", func(t *testing.T) {
		t.Setenv("INITIAL_RETRY_DELAY", "2m")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("failure rate above one", func(t *testing.T) {
		t.Setenv("MOCK_FAILURE_RATE", "1.5")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("SPINE_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
