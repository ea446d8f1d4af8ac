// Package validation checks uploaded exposure CSVs against the canonical
// row contract and produces a deterministic row-issues artifact.
package validation

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
)

// Issue codes.
const (
	CodeMissingExternalID        = "MISSING_EXTERNAL_ID"
	CodeMissingLocation          = "MISSING_LOCATION"
	CodeMissingTIV               = "MISSING_TIV"
	CodeInvalidTIV               = "INVALID_TIV"
	CodeNegativeTIV              = "NEGATIVE_TIV"
	CodeMissingSegmentation      = "MISSING_SEGMENTATION"
	CodeMissingCurrencyDefaulted = "MISSING_CURRENCY_DEFAULTED"
)

// Issue is one row-level finding.
type Issue struct {
	RowNumber int             `json:"row_number"`
	Severity  domain.Severity `json:"severity"`
	Field     string          `json:"field"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

// Report is the validation outcome. Artifact holds the canonical issue list
// bytes; Checksum is their sha256 and is stable for identical input+mapping.
type Report struct {
	Summary  map[string]int
	Issues   []Issue
	Artifact []byte
	Checksum string
}

// ReadCSV parses header-keyed rows, like csv.DictReader: the first record is
// the header, missing trailing cells become empty strings.
func ReadCSV(raw []byte) ([]map[string]string, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("validation: read csv header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("validation: read csv row %d: %w", len(rows)+2, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// applyMapping renames src columns to dst fields. An empty mapping passes the
// row through unchanged.
func applyMapping(row map[string]string, mapping map[string]string) map[string]string {
	if len(mapping) == 0 {
		return row
	}
	mapped := make(map[string]string, len(mapping))
	for src, dst := range mapping {
		mapped[dst] = row[src]
	}
	return mapped
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// ValidateRows applies the mapping and the row contract, returning issues in
// the stable order (row_number, severity, field, code) with a canonical
// artifact.
func ValidateRows(rows []map[string]string, mapping map[string]string) (*Report, error) {
	var issues []Issue
	add := func(row int, sev domain.Severity, field, code, message string) {
		issues = append(issues, Issue{
			RowNumber: row, Severity: sev, Field: field, Code: code, Message: message,
		})
	}

	for idx, raw := range rows {
		rowNum := idx + 1
		row := applyMapping(raw, mapping)

		if strings.TrimSpace(row["external_location_id"]) == "" {
			add(rowNum, domain.SeverityError, "external_location_id",
				CodeMissingExternalID, "external_location_id is required")
		}

		lat := firstNonEmpty(row["latitude"], row["lat"])
		lon := firstNonEmpty(row["longitude"], row["lon"])
		hasCoords := lat != "" && lon != ""
		hasAddress := row["address_line1"] != "" && row["city"] != "" &&
			row["state_region"] != "" && row["postal_code"] != "" && row["country"] != ""
		if !hasCoords && !hasAddress {
			add(rowNum, domain.SeverityError, "location",
				CodeMissingLocation, "Latitude/Longitude or full address fields required")
		}

		switch tiv := row["tiv"]; {
		case tiv == "":
			add(rowNum, domain.SeverityError, "tiv", CodeMissingTIV, "tiv is required")
		default:
			if v, ok := parseFloat(tiv); !ok {
				add(rowNum, domain.SeverityError, "tiv", CodeInvalidTIV, "tiv must be numeric")
			} else if v < 0 {
				add(rowNum, domain.SeverityError, "tiv", CodeNegativeTIV, "tiv must be non-negative")
			}
		}

		if strings.TrimSpace(row["currency"]) == "" {
			add(rowNum, domain.SeverityWarn, "currency",
				CodeMissingCurrencyDefaulted, "currency missing; will default to tenant currency")
		}

		if strings.TrimSpace(row["lob"]) == "" && strings.TrimSpace(row["product_code"]) == "" {
			add(rowNum, domain.SeverityError, "segmentation",
				CodeMissingSegmentation, "lob or product_code required")
		}

		for _, field := range []string{"limit", "premium"} {
			val := row[field]
			if val == "" {
				continue
			}
			if v, ok := parseFloat(val); !ok {
				add(rowNum, domain.SeverityWarn, field,
					"INVALID_"+strings.ToUpper(field), field+" must be numeric")
			} else if v < 0 {
				add(rowNum, domain.SeverityWarn, field,
					"NEGATIVE_"+strings.ToUpper(field), field+" should be non-negative")
			}
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.RowNumber != b.RowNumber {
			return a.RowNumber < b.RowNumber
		}
		if a.Severity.Index() != b.Severity.Index() {
			return a.Severity.Index() < b.Severity.Index()
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Code < b.Code
	})

	summary := map[string]int{
		"ERROR": 0, "WARN": 0, "INFO": 0,
		"total_rows": len(rows),
	}
	for _, issue := range issues {
		summary[string(issue.Severity)]++
	}

	if issues == nil {
		issues = []Issue{}
	}
	artifact, err := canonical.Marshal(issues)
	if err != nil {
		return nil, fmt.Errorf("validation: canonicalize issues: %w", err)
	}

	return &Report{
		Summary:  summary,
		Issues:   issues,
		Artifact: artifact,
		Checksum: canonical.HashBytes(artifact),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
