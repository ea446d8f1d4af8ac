// Package config loads immutable process configuration. A Config value is
// captured once at startup and handed to services; tasks freeze the relevant
// parts into the Run record so reruns see the inputs that produced a result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Config holds server and worker configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// Object store selection: "file", "s3" or "gcs".
	BlobBackend string
	BlobBucket  string
	BlobDir     string
	S3Region    string
	S3Endpoint  string

	// Provider selection: "stub" or "http" per provider. URLs and the API
	// key only matter for "http".
	GeocoderProvider        string
	ParcelProvider          string
	CharacteristicsProvider string
	GeocoderURL             string
	ParcelURL               string
	CharacteristicsURL      string
	ProviderAPIKey          string
	ProviderTimeout         time.Duration
	ProviderMaxRetries      int

	// Worker pool.
	WorkerCount int

	// Scoring.
	ScoringVersion string
	CodeVersion    string

	// Freshness window for cached property profiles.
	ProfileFreshness time.Duration

	// Directory holding profile_<name>.yaml scoring presets.
	ProfilesDir string

	// API auth.
	JWTSecret string
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                    getenv("PORT", "8080"),
		LogLevel:                getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:             getenv("DATABASE_URL", "postgres://aegis@localhost:5432/aegis?sslmode=disable"),
		RedisURL:                getenv("REDIS_URL", ""),
		BlobBackend:             getenv("BLOB_BACKEND", "file"),
		BlobBucket:              getenv("BLOB_BUCKET", "aegis-artifacts"),
		BlobDir:                 getenv("BLOB_DIR", "/var/lib/aegis/blobs"),
		S3Region:                getenv("S3_REGION", "us-east-1"),
		S3Endpoint:              getenv("S3_ENDPOINT", ""),
		GeocoderProvider:        getenv("GEOCODER_PROVIDER", "stub"),
		ParcelProvider:          getenv("PARCEL_PROVIDER", "stub"),
		CharacteristicsProvider: getenv("CHARACTERISTICS_PROVIDER", "stub"),
		GeocoderURL:             getenv("GEOCODER_URL", ""),
		ParcelURL:               getenv("PARCEL_URL", ""),
		CharacteristicsURL:      getenv("CHARACTERISTICS_URL", ""),
		ProviderAPIKey:          getenv("PROVIDER_API_KEY", ""),
		ProviderTimeout:         getdur("PROVIDER_TIMEOUT", 10*time.Second),
		ProviderMaxRetries:      getint("PROVIDER_MAX_RETRIES", 3),
		WorkerCount:             getint("WORKER_COUNT", 4),
		ScoringVersion:          getenv("SCORING_VERSION", "resilience_v1"),
		CodeVersion:             getenv("CODE_VERSION", "0.9.0"),
		ProfileFreshness:        getdur("PROFILE_FRESHNESS", 30*24*time.Hour),
		ProfilesDir:             getenv("PROFILES_DIR", "/etc/aegis/profiles"),
		JWTSecret:               getenv("JWT_SECRET", ""),
	}

	// Code version stamps every Run and feeds request fingerprints, so a
	// malformed value would silently split idempotency windows.
	if _, err := semver.NewVersion(cfg.CodeVersion); err != nil {
		return nil, fmt.Errorf("config: invalid CODE_VERSION %q: %w", cfg.CodeVersion, err)
	}

	return cfg, nil
}

// ProvidersAllStub reports whether every enrichment provider is the stub
// implementation, which makes synchronous in-request enrichment safe.
func (c *Config) ProvidersAllStub() bool {
	return c.GeocoderProvider == "stub" && c.ParcelProvider == "stub" && c.CharacteristicsProvider == "stub"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
