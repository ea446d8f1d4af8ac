package scoring

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const exportBatchSize = 2000

// ExportColumns is the fixed CSV header of a score export.
var ExportColumns = []string{
	"location_id",
	"external_location_id",
	"latitude",
	"longitude",
	"address_line1",
	"city",
	"state_region",
	"postal_code",
	"country",
	"lob",
	"tiv",
	"resilience_score",
	"risk_score",
	"warnings",
	"hazards_json",
	"structural_json",
	"input_structural_json",
	"policy_pack_version_id",
	"policy_used_json",
	"policy_version_label",
}

// Export streams a scored result as CSV: one row per item joined with its
// location, paged by item id so arbitrarily large results never load at once.
func Export(ctx context.Context, st store.Store, tenantID, resultID string, w io.Writer) error {
	result, err := st.Scores().GetResult(ctx, tenantID, resultID)
	if err != nil {
		return fmt.Errorf("scoring: load result: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return fmt.Errorf("scoring: write header: %w", err)
	}

	afterID := ""
	for {
		items, err := st.Scores().ListItems(ctx, tenantID, resultID, afterID, exportBatchSize)
		if err != nil {
			return fmt.Errorf("scoring: list items: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			loc, err := st.Locations().Get(ctx, tenantID, item.LocationID)
			if err != nil {
				return fmt.Errorf("scoring: load location %s: %w", item.LocationID, err)
			}
			if err := cw.Write(exportRow(result, item, loc)); err != nil {
				return fmt.Errorf("scoring: write row: %w", err)
			}
			afterID = item.ID
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("scoring: flush export: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportRow(result *domain.ResilienceScoreResult, item *domain.ResilienceScoreItem, loc *domain.Location) []string {
	var warnings []string
	var inputStructural interface{}
	if item.Result != nil {
		switch w := item.Result["warnings"].(type) {
		case []string:
			warnings = w
		case []interface{}:
			for _, v := range w {
				warnings = append(warnings, fmt.Sprint(v))
			}
		}
		inputStructural = item.Result["input_structural"]
	}

	versionLabel := "default"
	if label, ok := result.PolicyUsed["version_label"].(string); ok && label != "" {
		versionLabel = label
	}

	return []string{
		item.LocationID,
		loc.ExternalLocationID,
		floatField(loc.Latitude),
		floatField(loc.Longitude),
		loc.AddressLine1,
		loc.City,
		loc.StateRegion,
		loc.PostalCode,
		loc.Country,
		loc.LOB,
		floatField(loc.TIV),
		strconv.Itoa(item.ResilienceScore),
		strconv.FormatFloat(item.RiskScore, 'f', -1, 64),
		strings.Join(warnings, ";"),
		jsonField(item.Hazards),
		jsonField(loc.Structural),
		jsonField(inputStructural),
		result.PolicyPackVersionID,
		jsonField(result.PolicyUsed),
		versionLabel,
	}
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// jsonField renders canonical JSON so exports of the same result are
// byte-identical.
func jsonField(v interface{}) string {
	if v == nil {
		return ""
	}
	if m, ok := v.(map[string]interface{}); ok && len(m) == 0 {
		return ""
	}
	raw, err := canonical.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
