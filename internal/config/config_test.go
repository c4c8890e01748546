package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlib/corelib/internal/config"
	"github.com/predictlib/corelib/internal/core"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, testKey, cfg.EncryptionKey)
	assert.Equal(t, 100, cfg.Model.HistoryLength)
	assert.Equal(t, 5, cfg.Model.MaxPatternLength)
	assert.InDelta(t, 5e-4, cfg.Model.DecayLambda, 1e-12)
	assert.InDelta(t, 0.1, cfg.Model.SmoothingFactor, 1e-12)
	assert.InDelta(t, 0.7, cfg.Model.WeightSequence, 1e-12)
	assert.InDelta(t, 0.3, cfg.Model.WeightTime, 1e-12)
	assert.Equal(t, 50, cfg.Model.MinActionsThreshold)
	assert.Empty(t, cfg.Sync.ServerURL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingKeyFails(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := config.Load("")
	require.Error(t, err)
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadMalformedKeyFails(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "not-hex-and-too-short")

	_, err := config.Load("")
	require.Error(t, err)
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
model:
  history_length: 20
  max_pattern_length: 3
sync:
  server_url: "http://localhost:3000"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Model.HistoryLength)
	assert.Equal(t, 3, cfg.Model.MaxPatternLength)
	assert.Equal(t, "http://localhost:3000", cfg.Sync.ServerURL)
	// untouched fields keep defaults
	assert.InDelta(t, 0.1, cfg.Model.SmoothingFactor, 1e-12)
}

func TestValidateCrossFieldRules(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Model.WeightSequence = 0
	cfg.Model.WeightTime = 0
	require.Error(t, cfg.Validate())

	cfg, err = config.Load("")
	require.NoError(t, err)
	cfg.Model.MaxPatternLength = cfg.Model.HistoryLength + 1
	require.Error(t, cfg.Validate())
}
