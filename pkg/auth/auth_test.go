package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

func testTokens() *Tokens {
	return NewTokens([]byte("test-secret"), "aegis-test")
}

func TestTokens_IssueVerifyRoundTrip(t *testing.T) {
	tk := testTokens()
	id := Identity{UserID: "u1", TenantID: "t1", Role: domain.RoleAnalyst}

	tok, err := tk.Issue(id, time.Hour)
	require.NoError(t, err)

	got, err := tk.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestTokens_RejectsExpired(t *testing.T) {
	tk := testTokens()
	tk.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := tk.Issue(Identity{UserID: "u1", TenantID: "t1"}, time.Hour)
	require.NoError(t, err)

	tk.now = time.Now
	_, err = tk.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsWrongSecret(t *testing.T) {
	tok, err := testTokens().Issue(Identity{UserID: "u1", TenantID: "t1"}, time.Hour)
	require.NoError(t, err)

	other := NewTokens([]byte("different"), "aegis-test")
	_, err = other.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsUnboundClaims(t *testing.T) {
	tk := testTokens()
	tok, err := tk.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	_, err = tk.Verify(tok)
	require.ErrorIs(t, err, ErrUnboundToken)
}

func TestMiddleware_InjectsIdentity(t *testing.T) {
	tk := testTokens()
	tok, err := tk.Issue(Identity{UserID: "u1", TenantID: "t1", Role: domain.RoleOps}, time.Hour)
	require.NoError(t, err)

	var seen Identity
	h := Middleware(tk)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "t1", seen.TenantID)
	require.Equal(t, domain.RoleOps, seen.Role)
}

func TestMiddleware_RejectsMissingAndMalformedHeaders(t *testing.T) {
	h := Middleware(testTokens())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_PublicPathsBypass(t *testing.T) {
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Fail closed elsewhere when no verifier is configured.
	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireMutate(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	for role, want := range map[domain.Role]int{
		domain.RoleAdmin:    http.StatusNoContent,
		domain.RoleOps:      http.StatusNoContent,
		domain.RoleAnalyst:  http.StatusForbidden,
		domain.RoleReadOnly: http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: "u1", TenantID: "t1", Role: role}))
		rec := httptest.NewRecorder()
		RequireMutate(http.HandlerFunc(ok)).ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code, "role %s", role)
	}
}

func TestRequireTrigger_AllowsAnalyst(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/resilience/score", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: "u1", TenantID: "t1", Role: domain.RoleAnalyst}))
	rec := httptest.NewRecorder()
	RequireTrigger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "s3cret"))
	require.False(t, CheckPassword(hash, "wrong"))
}
