package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "file", cfg.BlobBackend)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 30*24*time.Hour, cfg.ProfileFreshness)
	assert.True(t, cfg.ProvidersAllStub())
}

func TestLoadRejectsBadCodeVersion(t *testing.T) {
	t.Setenv("CODE_VERSION", "not-a-version")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CODE_VERSION")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "16")
	t.Setenv("PROVIDER_TIMEOUT", "2s")
	t.Setenv("GEOCODER_PROVIDER", "http")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.ProviderTimeout)
	assert.False(t, cfg.ProvidersAllStub())
}

func TestLoadScoringProfile(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("name: coastal\nweights:\n  flood: 0.5\n  wind: 0.5\nunknown_hazard_score: 0.7\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_coastal.yaml"), raw, 0o600))

	profile, err := LoadScoringProfile(dir, "Coastal")
	require.NoError(t, err)
	assert.Equal(t, "coastal", profile.Name)

	cfg := profile.AsScoringConfig()
	weights, ok := cfg["weights"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.5, weights["flood"])
	assert.Equal(t, 0.7, cfg["unknown_hazard_score"])

	_, err = LoadScoringProfile(dir, "missing")
	assert.Error(t, err)
}
