// Command aegis runs the exposure platform: the HTTP control plane and the
// worker pool share one process, one store, and one queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/api"
	"github.com/aegisrisk/aegis-core/pkg/auth"
	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/breach"
	"github.com/aegisrisk/aegis-core/pkg/commit"
	"github.com/aegisrisk/aegis-core/pkg/config"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/drift"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/lineage"
	"github.com/aegisrisk/aegis-core/pkg/overlay"
	"github.com/aegisrisk/aegis-core/pkg/policy"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/queue"
	"github.com/aegisrisk/aegis-core/pkg/rollup"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/scoring"
	"github.com/aegisrisk/aegis-core/pkg/store"
	"github.com/aegisrisk/aegis-core/pkg/tasks"
	"github.com/aegisrisk/aegis-core/pkg/validation"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "seed":
		err = runSeed(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "usage: aegis [serve|seed]\n")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aegis: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}

	registry := runs.NewRegistry(st, cfg.CodeVersion, log)
	geocoder, parcel, chars := buildProviders(cfg)
	pipeline := enrichment.NewPipeline(geocoder, parcel, chars, cfg.CodeVersion, log)
	enrich := enrichment.NewService(st, pipeline, log)
	scoreEngine := scoring.NewEngine(st, registry, cfg.CodeVersion, log)
	breachEngine := breach.NewEngine(st, registry, log)
	commitEngine := commit.NewEngine(st, blobs, log)

	pool := queue.NewPool(q, registry, log)
	tasks.RegisterAll(pool, tasks.Engines{
		Validation: validation.NewEngine(st, blobs, log),
		Commit:     commitEngine,
		Geocode:    enrichment.NewGeocodeEngine(st, registry, geocoder, log),
		Overlay:    overlay.NewEngine(st, registry, log),
		Rollup:     rollup.NewEngine(st, blobs, registry, log),
		Breach:     breachEngine,
		Drift:      drift.NewEngine(st, blobs, registry, log),
		Scoring:    scoreEngine,
		Enrichment: enrich,
		Store:      st,
		Registry:   registry,
		Log:        log,
	})
	go pool.Run(ctx, cfg.WorkerCount)

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	server := api.NewServer(api.Deps{
		Config:           cfg,
		Log:              log,
		Store:            st,
		Blobs:            blobs,
		Queue:            q,
		Registry:         registry,
		Tokens:           auth.NewTokens([]byte(cfg.JWTSecret), "aegis"),
		Policies:         policy.NewResolver(st),
		Lineage:          lineage.NewBuilder(st),
		Commit:           commitEngine,
		Scoring:          scoreEngine,
		Breach:           breachEngine,
		Enrich:           enrich,
		AllStubProviders: cfg.ProvidersAllStub(),
		Idempotency:      durableIdempotency(st, log),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("aegis listening", "port", cfg.Port, "code_version", cfg.CodeVersion)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runSeed bootstraps a tenant and its first admin user.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	tenantName := fs.String("tenant", "", "tenant name")
	currency := fs.String("currency", "USD", "tenant default currency")
	email := fs.String("email", "", "admin user email")
	password := fs.String("password", "", "admin user password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantName == "" || *email == "" || *password == "" {
		return errors.New("seed requires -tenant, -email and -password")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}
	tenant := &domain.Tenant{
		ID:              uuid.NewString(),
		Name:            *tenantName,
		DefaultCurrency: *currency,
		CreatedAt:       time.Now().UTC(),
	}
	if err := st.Tenants().Create(ctx, tenant); err != nil {
		return err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		TenantID:     tenant.ID,
		Email:        *email,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.Users().Create(ctx, user); err != nil {
		return err
	}

	log.Info("seeded tenant", "tenant_id", tenant.ID, "user_id", user.ID, "email", user.Email)
	fmt.Printf("tenant_id=%s user_id=%s\n", tenant.ID, user.ID)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	driver := "postgres"
	if !strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		driver = "sqlite"
	}
	st, err := store.OpenSQL(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.BlobBucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case "gcs":
		return blob.NewGCSStore(ctx, blob.GCSConfig{Bucket: cfg.BlobBucket})
	default:
		return blob.NewFileStore(cfg.BlobDir, cfg.BlobBucket)
	}
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.RedisURL != "" {
		return queue.NewRedisQueue(cfg.RedisURL)
	}
	return queue.NewMemoryQueue(), nil
}

func buildProviders(cfg *config.Config) (providers.Geocoder, providers.Parcel, providers.Characteristics) {
	httpCfg := func(url string) providers.HTTPConfig {
		return providers.HTTPConfig{
			BaseURL:    url,
			APIKey:     cfg.ProviderAPIKey,
			Timeout:    cfg.ProviderTimeout,
			MaxRetries: cfg.ProviderMaxRetries,
		}
	}
	client := &http.Client{Timeout: cfg.ProviderTimeout}

	var geocoder providers.Geocoder = providers.StubGeocoder{}
	if cfg.GeocoderProvider == "http" {
		geocoder = providers.NewHTTPGeocoder(httpCfg(cfg.GeocoderURL), client)
	}
	var parcel providers.Parcel = providers.StubParcelProvider{}
	if cfg.ParcelProvider == "http" {
		parcel = providers.NewHTTPParcelProvider(httpCfg(cfg.ParcelURL), client)
	}
	var chars providers.Characteristics = providers.StubCharacteristicsProvider{}
	if cfg.CharacteristicsProvider == "http" {
		chars = providers.NewHTTPCharacteristicsProvider(httpCfg(cfg.CharacteristicsURL), client)
	}
	return geocoder, parcel, chars
}

// durableIdempotency backs replay caching with the relational store.
func durableIdempotency(st *store.SQLStore, log *slog.Logger) api.IdempotencyStorer {
	return api.NewSQLIdempotencyStore(st.DB(), 24*time.Hour, log)
}
