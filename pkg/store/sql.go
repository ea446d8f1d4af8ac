package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLStore implements Store on database/sql. It is written against the
// portable subset of SQL shared by PostgreSQL (lib/pq) and SQLite
// (modernc.org/sqlite): $N placeholders, TEXT-encoded JSON, text-encoded
// timestamps, UNIQUE constraints with NULLable key columns.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-opened database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQL opens the database named by driver ("postgres" or "sqlite") and dsn.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return &SQLStore{db: db}, nil
}

// DB exposes the underlying handle for migrations and health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Tenants() TenantRepo         { return (*sqlTenants)(s) }
func (s *SQLStore) Users() UserRepo             { return (*sqlUsers)(s) }
func (s *SQLStore) Uploads() UploadRepo         { return (*sqlUploads)(s) }
func (s *SQLStore) Mappings() MappingRepo       { return (*sqlMappings)(s) }
func (s *SQLStore) Validations() ValidationRepo { return (*sqlValidations)(s) }
func (s *SQLStore) Exposures() ExposureRepo     { return (*sqlExposures)(s) }
func (s *SQLStore) Locations() LocationRepo     { return (*sqlLocations)(s) }
func (s *SQLStore) Hazards() HazardRepo         { return (*sqlHazards)(s) }
func (s *SQLStore) Overlays() OverlayRepo       { return (*sqlOverlays)(s) }
func (s *SQLStore) Rollups() RollupRepo         { return (*sqlRollups)(s) }
func (s *SQLStore) Rules() RuleRepo             { return (*sqlRules)(s) }
func (s *SQLStore) Breaches() BreachRepo        { return (*sqlBreaches)(s) }
func (s *SQLStore) Drifts() DriftRepo           { return (*sqlDrifts)(s) }
func (s *SQLStore) Scores() ScoreRepo           { return (*sqlScores)(s) }
func (s *SQLStore) Profiles() ProfileRepo       { return (*sqlProfiles)(s) }
func (s *SQLStore) Policies() PolicyRepo        { return (*sqlPolicies)(s) }
func (s *SQLStore) Runs() RunRepo               { return (*sqlRuns)(s) }
func (s *SQLStore) Audits() AuditRepo           { return (*sqlAudits)(s) }

// translateErr maps driver-specific constraint violations onto the package
// sentinels so callers can branch without importing drivers.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

// jsonArg encodes v as a TEXT column value, or NULL for empty values.
func jsonArg(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]int:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]float64:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json column: %w", err)
	}
	return string(raw), nil
}

// jsonScan decodes a TEXT column into dst; NULL leaves dst zeroed.
func jsonScan(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("store: decode json column: %w", err)
	}
	return nil
}

// sqlTimeLayout is RFC 3339 with a fixed-width fraction. modernc.org/sqlite
// keeps TIMESTAMPTZ columns as the TEXT we write, so the padding keeps
// lexicographic comparisons chronological.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeArg encodes a timestamp column value. Both drivers accept the text
// form, which keeps stored bytes identical across backends.
func timeArg(t time.Time) interface{} {
	return t.UTC().Format(sqlTimeLayout)
}

// timePtrArg is timeArg for optional timestamps; nil maps onto NULL.
func timePtrArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeArg(*t)
}

// timeScanner reads a timestamp column from either driver: lib/pq hands back
// time.Time, modernc.org/sqlite hands back the stored TEXT.
type timeScanner struct{ dst *time.Time }

func (s timeScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s.dst = time.Time{}
		return nil
	case time.Time:
		*s.dst = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	}
	return fmt.Errorf("store: cannot scan %T into time column", src)
}

func (s timeScanner) parse(v string) error {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339, v)
	}
	if err != nil {
		return fmt.Errorf("store: decode time column %q: %w", v, err)
	}
	*s.dst = t.UTC()
	return nil
}

// nullTimeScanner is timeScanner for nullable columns; NULL leaves dst nil.
type nullTimeScanner struct{ dst **time.Time }

func (s nullTimeScanner) Scan(src interface{}) error {
	if src == nil {
		*s.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeScanner{&t}).Scan(src); err != nil {
		return err
	}
	*s.dst = &t
	return nil
}

// TimeArg encodes a timestamp argument the way SQLStore writes them, for
// components that share the database handle.
func TimeArg(t time.Time) interface{} { return timeArg(t) }

// ScanTime returns a scanner for a timestamp column written by TimeArg.
func ScanTime(dst *time.Time) sql.Scanner { return timeScanner{dst} }

// nullStr maps "" onto NULL so UNIQUE indexes over optional keys behave.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
