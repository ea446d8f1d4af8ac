package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/auth"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

func TestStoreLogger_RecordsIdentityFromContext(t *testing.T) {
	st := store.NewMemStore()
	l := NewStoreLogger(st.Audits())

	ctx := auth.WithIdentity(context.Background(), auth.Identity{
		UserID: "u1", TenantID: "t1", Role: domain.RoleOps,
	})
	require.NoError(t, l.Record(ctx, "", "upload.create", map[string]interface{}{"upload_id": "up1"}))

	events, err := st.Audits().List(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "upload.create", events[0].Action)
	require.Equal(t, "u1", events[0].UserID)
	require.Equal(t, "t1", events[0].TenantID)
	require.Equal(t, "up1", events[0].Metadata["upload_id"])
}

func TestStoreLogger_ExplicitTenantWins(t *testing.T) {
	st := store.NewMemStore()
	l := NewStoreLogger(st.Audits())

	// No identity in context: worker-side record on behalf of a tenant.
	require.NoError(t, l.Record(context.Background(), "t2", "run.retry", nil))

	events, err := st.Audits().List(context.Background(), "t2", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Empty(t, events[0].UserID)
}

func TestWriterLogger_EmitsPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf)
	require.NoError(t, l.Record(context.Background(), "t1", "rule.create", nil))

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	var ev domain.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &ev))
	require.Equal(t, "rule.create", ev.Action)
	require.Equal(t, "t1", ev.TenantID)
}

func TestExporter_PackContainsFilteredEvents(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"a.one", "a.two", "a.three"} {
		require.NoError(t, st.Audits().Append(ctx, &domain.AuditEvent{
			ID: action, TenantID: "t1", Action: action,
			CreatedAt: base.AddDate(0, 0, i),
		}))
	}

	e := NewExporter(st.Audits())
	pack, checksum, err := e.GeneratePack(ctx, ExportRequest{
		TenantID:  "t1",
		StartTime: base.AddDate(0, 0, 1),
	})
	require.NoError(t, err)

	sum := sha256.Sum256(pack)
	require.Equal(t, hex.EncodeToString(sum[:]), checksum)

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	var names []string
	var events []*domain.AuditEvent
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "events.json" {
			rc, err := f.Open()
			require.NoError(t, err)
			require.NoError(t, json.NewDecoder(rc).Decode(&events))
			rc.Close()
		}
	}
	require.ElementsMatch(t, []string{"events.json", "manifest.json"}, names)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.NotEqual(t, "a.one", ev.Action)
	}
}

func TestExporter_Validation(t *testing.T) {
	e := NewExporter(store.NewMemStore().Audits())
	_, _, err := e.GeneratePack(context.Background(), ExportRequest{})
	require.ErrorIs(t, err, ErrEmptyTenantID)

	_, _, err = e.GeneratePack(context.Background(), ExportRequest{
		TenantID:  "t1",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	require.ErrorIs(t, err, ErrInvalidTimeRange)
}
