package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/audit"
	"github.com/aegisrisk/aegis-core/pkg/auth"
	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/breach"
	"github.com/aegisrisk/aegis-core/pkg/commit"
	"github.com/aegisrisk/aegis-core/pkg/config"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/lineage"
	"github.com/aegisrisk/aegis-core/pkg/policy"
	"github.com/aegisrisk/aegis-core/pkg/queue"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/scoring"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Server hosts the control plane. It creates Runs, enqueues tasks, and
// answers reads; the stage engines themselves execute on the worker pool.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	blobs    blob.Store
	queue    queue.Queue
	registry *runs.Registry
	tokens   *auth.Tokens
	audit    audit.Logger
	policies *policy.Resolver
	lineage  *lineage.Builder
	commit   *commit.Engine
	scoring  *scoring.Engine
	breach   *breach.Engine
	enrich   *enrichment.Service
	allStub  bool
	idem     IdempotencyStorer
	limiter  *GlobalRateLimiter
}

// Deps carries everything a Server needs. Queue and Registry are shared with
// the worker pool so single-process deployments see their own writes.
type Deps struct {
	Config   *config.Config
	Log      *slog.Logger
	Store    store.Store
	Blobs    blob.Store
	Queue    queue.Queue
	Registry *runs.Registry
	Tokens   *auth.Tokens
	Audit    audit.Logger
	Policies *policy.Resolver
	Lineage  *lineage.Builder
	Commit   *commit.Engine
	Scoring  *scoring.Engine
	Breach   *breach.Engine
	Enrich   *enrichment.Service
	// AllStubProviders switches property enrichment to synchronous
	// in-request execution.
	AllStubProviders bool
	// Idempotency overrides the default in-memory replay cache; production
	// deployments pass the SQL-backed store.
	Idempotency IdempotencyStorer
}

// NewServer builds the control plane.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	aud := d.Audit
	if aud == nil {
		aud = audit.NewStoreLogger(d.Store.Audits())
	}
	idem := d.Idempotency
	if idem == nil {
		idem = NewIdempotencyStore(24 * time.Hour)
	}
	return &Server{
		cfg:      d.Config,
		log:      log,
		store:    d.Store,
		blobs:    d.Blobs,
		queue:    d.Queue,
		registry: d.Registry,
		tokens:   d.Tokens,
		audit:    aud,
		policies: d.Policies,
		lineage:  d.Lineage,
		commit:   d.Commit,
		scoring:  d.Scoring,
		breach:   d.Breach,
		enrich:   d.Enrich,
		allStub:  d.AllStubProviders,
		idem:     idem,
		limiter:  NewGlobalRateLimiter(50, 100),
	}
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/signup", s.handleSignup)

	mutate := func(h http.HandlerFunc) http.Handler { return auth.RequireMutate(h) }
	trigger := func(h http.HandlerFunc) http.Handler { return auth.RequireTrigger(h) }

	mux.Handle("POST /api/uploads", mutate(s.handleCreateUpload))
	mux.Handle("POST /api/uploads/{upload_id}/mapping", mutate(s.handleAttachMapping))
	mux.Handle("POST /api/uploads/{upload_id}/validate", trigger(s.handleValidateUpload))
	mux.Handle("POST /api/uploads/{upload_id}/commit", mutate(s.handleCommitUpload))
	mux.HandleFunc("GET /api/exposure-versions/{exposure_version_id}", s.handleGetExposure)
	mux.Handle("POST /api/exposure-versions/{exposure_version_id}/geocode", trigger(s.handleGeocode))

	mux.Handle("POST /api/hazard-datasets", mutate(s.handleCreateHazardDataset))
	mux.Handle("POST /api/hazard-datasets/{dataset_id}/versions", mutate(s.handleUploadHazardVersion))
	mux.Handle("POST /api/hazard-overlays", trigger(s.handleTriggerOverlay))
	mux.HandleFunc("GET /api/hazard-overlays/{overlay_result_id}", s.handleGetOverlay)

	mux.Handle("POST /api/resilience/score", trigger(s.handleScoreResilience))
	mux.Handle("POST /api/resilience/score-batch", trigger(s.handleScoreResilienceBatch))
	mux.HandleFunc("GET /api/resilience/results/{result_id}", s.handleGetScoreResult)
	mux.HandleFunc("GET /api/resilience/results/{result_id}/export.csv", s.handleExportScores)
	mux.Handle("POST /api/resilience/results/{result_id}/uw-eval", trigger(s.handleUWEval))

	mux.Handle("POST /api/policy-packs", mutate(s.handleCreatePolicyPack))
	mux.Handle("POST /api/policy-packs/{pack_id}/versions", mutate(s.handleCreatePolicyPackVersion))
	mux.HandleFunc("GET /api/policy-pack-versions/{version_id}", s.handleGetPolicyPackVersion)

	mux.Handle("POST /api/rollup-configs", mutate(s.handleCreateRollupConfig))
	mux.Handle("POST /api/rollups", trigger(s.handleTriggerRollup))
	mux.HandleFunc("GET /api/rollups/{rollup_result_id}", s.handleGetRollup)

	mux.Handle("POST /api/threshold-rules", mutate(s.handleCreateThresholdRule))
	mux.Handle("POST /api/breach-evals", trigger(s.handleRunBreachEval))
	mux.HandleFunc("GET /api/breaches", s.handleListBreaches)
	mux.Handle("POST /api/breaches/{breach_id}/ack", trigger(s.handleAckBreach))
	mux.Handle("POST /api/breaches/{breach_id}/resolve", trigger(s.handleResolveBreach))

	mux.Handle("POST /api/drifts", trigger(s.handleTriggerDrift))
	mux.HandleFunc("GET /api/drifts/{drift_run_id}", s.handleGetDrift)

	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.Handle("POST /api/runs/{run_id}/cancel", trigger(s.handleCancelRun))
	mux.Handle("POST /api/runs/{run_id}/retry", trigger(s.handleRetryRun))

	mux.Handle("POST /api/property-profiles/resolve", trigger(s.handleResolveProfile))
	mux.HandleFunc("GET /api/lineage/{entity_type}/{entity_id}", s.handleLineage)
	mux.HandleFunc("GET /api/audit-events", s.handleListAuditEvents)

	var handler http.Handler = mux
	handler = IdempotencyMiddleware(s.idem)(handler)
	handler = auth.Middleware(s.tokens)(handler)
	handler = MetricsMiddleware(handler)
	handler = s.limiter.Middleware(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "code_version": s.cfg.CodeVersion})
}

// identity pulls the verified caller; the auth middleware guarantees it on
// every non-public path.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

// decode parses a JSON request body.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// enqueueRun creates a QUEUED run whose input_refs are the task args, then
// enqueues the matching task. Retries re-enqueue from the copied input_refs.
func (s *Server) enqueueRun(ctx context.Context, id auth.Identity, runType domain.RunType, args map[string]interface{}) (*domain.Run, error) {
	run, err := s.registry.Create(ctx, runs.CreateParams{
		TenantID:  id.TenantID,
		RunType:   runType,
		InputRefs: args,
		CreatedBy: id.UserID,
		RequestID: auth.GetRequestID(ctx),
	})
	if err != nil {
		return nil, err
	}
	if err := s.enqueueTask(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Server) enqueueTask(ctx context.Context, run *domain.Run) error {
	return s.queue.Enqueue(ctx, &queue.Task{
		ID:         uuid.NewString(),
		TenantID:   run.TenantID,
		RunID:      run.ID,
		RunType:    run.RunType,
		Args:       run.InputRefs,
		RequestID:  run.RequestID,
		EnqueuedAt: time.Now().UTC(),
	})
}

// record appends an audit event; failures log but never fail the request.
func (s *Server) record(ctx context.Context, tenantID, action string, metadata map[string]interface{}) {
	if err := s.audit.Record(ctx, tenantID, action, metadata); err != nil {
		s.log.WarnContext(ctx, "audit record failed", "action", action, "error", err)
	}
}
