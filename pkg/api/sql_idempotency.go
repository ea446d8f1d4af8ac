package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/store"
)

// SQLIdempotencyStore persists idempotency replays in the relational store so
// they survive process restarts. Placeholders stay at $N for PostgreSQL and
// SQLite compatibility.
type SQLIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	log *slog.Logger
}

// NewSQLIdempotencyStore wraps the shared database handle. The
// idempotency_keys table is part of the store schema.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration, log *slog.Logger) *SQLIdempotencyStore {
	if log == nil {
		log = slog.Default()
	}
	return &SQLIdempotencyStore{db: db, ttl: ttl, log: log}
}

// Check returns the cached response for the key, deleting it when expired.
func (s *SQLIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	var (
		statusCode int
		headers    string
		body       string
		cachedAt   time.Time
	)
	err := s.db.QueryRow(
		`SELECT status_code, headers_json, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, store.ScanTime(&cachedAt))
	if err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	_ = json.Unmarshal([]byte(headers), &hdr)
	return &cachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       []byte(body),
		CachedAt:   cachedAt,
	}, true
}

// Set upserts the response; failures log and drop the entry rather than
// failing the request it captured.
func (s *SQLIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		headerJSON = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, headers_json, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET
			status_code = excluded.status_code,
			headers_json = excluded.headers_json,
			body = excluded.body,
			cached_at = excluded.cached_at`,
		key, statusCode, string(headerJSON), string(body), store.TimeArg(time.Now()),
	)
	if err != nil {
		s.log.Warn("idempotency key not cached", "key", key, "error", err)
	}
}

// Cleanup removes entries older than the TTL.
func (s *SQLIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE cached_at < $1`, store.TimeArg(time.Now().Add(-s.ttl)))
}
