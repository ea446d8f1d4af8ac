// Package audit records append-only audit events for mutating control-plane
// operations. Events carry the acting user when the context holds one and
// fall back to a blank user for worker-initiated writes.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/auth"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Logger records one audit event. tenantID wins over the context identity's
// tenant so workers can audit on behalf of a tenant without a request
// context.
type Logger interface {
	Record(ctx context.Context, tenantID, action string, metadata map[string]interface{}) error
}

// StoreLogger appends events to the relational store.
type StoreLogger struct {
	repo store.AuditRepo
	now  func() time.Time
}

func NewStoreLogger(repo store.AuditRepo) *StoreLogger {
	return &StoreLogger{repo: repo, now: time.Now}
}

func (l *StoreLogger) Record(ctx context.Context, tenantID, action string, metadata map[string]interface{}) error {
	return l.repo.Append(ctx, event(ctx, tenantID, action, metadata, l.now()))
}

// WriterLogger emits audit events as JSON lines, used when no store is
// configured (dev mode).
type WriterLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterLogger(w io.Writer) *WriterLogger {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLogger{w: w}
}

func (l *WriterLogger) Record(ctx context.Context, tenantID, action string, metadata map[string]interface{}) error {
	line, err := json.Marshal(event(ctx, tenantID, action, metadata, time.Now()))
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(append([]byte("AUDIT: "), line...), '\n'))
	return err
}

func event(ctx context.Context, tenantID, action string, metadata map[string]interface{}, now time.Time) *domain.AuditEvent {
	userID := ""
	if id, err := auth.IdentityFrom(ctx); err == nil {
		userID = id.UserID
		if tenantID == "" {
			tenantID = id.TenantID
		}
	}
	return &domain.AuditEvent{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Action:    action,
		Metadata:  metadata,
		CreatedAt: now.UTC(),
	}
}
