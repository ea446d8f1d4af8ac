package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

var (
	ErrEmptyTenantID    = errors.New("audit: tenant_id must not be empty")
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
)

// ExportRequest bounds an evidence pack. Zero times mean unbounded.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter assembles downloadable evidence packs from the audit trail.
type Exporter struct {
	repo store.AuditRepo
	now  func() time.Time
}

func NewExporter(repo store.AuditRepo) *Exporter {
	return &Exporter{repo: repo, now: time.Now}
}

// GeneratePack returns a zip of events.json plus a manifest, and the
// sha256 checksum of the zip bytes.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	all, err := e.repo.List(ctx, req.TenantID, 0)
	if err != nil {
		return nil, "", fmt.Errorf("audit: list events: %w", err)
	}
	events := make([]*domain.AuditEvent, 0, len(all))
	for _, ev := range all {
		if !req.StartTime.IsZero() && ev.CreatedAt.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && ev.CreatedAt.After(req.EndTime) {
			continue
		}
		events = append(events, ev)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}
	manifestJSON, err := json.MarshalIndent(map[string]interface{}{
		"tenant_id":    req.TenantID,
		"generated_at": e.now().UTC(),
		"event_count":  len(events),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(entry.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(entry.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
