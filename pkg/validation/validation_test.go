package validation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const goodCSV = `external_location_id,address_line1,city,state_region,postal_code,country,tiv,currency,lob
LOC-001,1 Main St,Springfield,IL,62704,US,1000000,USD,property
LOC-002,2 Oak Ave,Portland,OR,97201,US,2500000,USD,property
`

func TestValidateRows_CleanUpload(t *testing.T) {
	rows, err := ReadCSV([]byte(goodCSV))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	report, err := ValidateRows(rows, nil)
	require.NoError(t, err)
	require.Equal(t, 0, report.Summary["ERROR"])
	require.Equal(t, 0, report.Summary["WARN"])
	require.Equal(t, 2, report.Summary["total_rows"])
	require.Empty(t, report.Issues)
	require.Len(t, report.Checksum, 64)
}

func TestValidateRows_CollectsRowIssues(t *testing.T) {
	csv := `external_location_id,address_line1,city,state_region,postal_code,country,tiv,currency,lob,premium
,1 Main St,Springfield,IL,62704,US,,USD,property,
LOC-002,,,,,,abc,,,-5
`
	rows, err := ReadCSV([]byte(csv))
	require.NoError(t, err)

	report, err := ValidateRows(rows, nil)
	require.NoError(t, err)

	byCode := map[string]Issue{}
	for _, issue := range report.Issues {
		byCode[issue.Code] = issue
	}
	require.Contains(t, byCode, CodeMissingExternalID)
	require.Contains(t, byCode, CodeMissingTIV)
	require.Contains(t, byCode, CodeInvalidTIV)
	require.Contains(t, byCode, CodeMissingLocation)
	require.Contains(t, byCode, CodeMissingSegmentation)
	require.Contains(t, byCode, CodeMissingCurrencyDefaulted)
	require.Contains(t, byCode, "NEGATIVE_PREMIUM")

	require.Equal(t, 1, byCode[CodeMissingExternalID].RowNumber)
	require.Equal(t, domain.SeverityWarn, byCode["NEGATIVE_PREMIUM"].Severity)
}

func TestValidateRows_IssueOrdering(t *testing.T) {
	csv := `external_location_id,tiv,currency,lob
,,,
LOC-2,,,
`
	rows, err := ReadCSV([]byte(csv))
	require.NoError(t, err)
	report, err := ValidateRows(rows, nil)
	require.NoError(t, err)

	for i := 1; i < len(report.Issues); i++ {
		prev, cur := report.Issues[i-1], report.Issues[i]
		require.LessOrEqual(t, prev.RowNumber, cur.RowNumber)
		if prev.RowNumber == cur.RowNumber {
			require.LessOrEqual(t, prev.Severity.Index(), cur.Severity.Index())
			if prev.Severity == cur.Severity {
				require.LessOrEqual(t, prev.Field, cur.Field)
			}
		}
	}
}

func TestValidateRows_ChecksumDeterministic(t *testing.T) {
	csv := `external_location_id,tiv,currency,lob
LOC-1,abc,,property
`
	rows, err := ReadCSV([]byte(csv))
	require.NoError(t, err)

	a, err := ValidateRows(rows, nil)
	require.NoError(t, err)
	b, err := ValidateRows(rows, nil)
	require.NoError(t, err)

	require.Equal(t, a.Checksum, b.Checksum)
	require.Equal(t, a.Artifact, b.Artifact)
}

func TestValidateRows_MappingRenamesColumns(t *testing.T) {
	csv := `LocID,InsuredValue,Curr,Line
LOC-1,100,USD,property
`
	rows, err := ReadCSV([]byte(csv))
	require.NoError(t, err)

	mapping := map[string]string{
		"LocID":        "external_location_id",
		"InsuredValue": "tiv",
		"Curr":         "currency",
		"Line":         "lob",
	}
	report, err := ValidateRows(rows, mapping)
	require.NoError(t, err)

	byCode := map[string]bool{}
	for _, issue := range report.Issues {
		byCode[issue.Code] = true
	}
	require.False(t, byCode[CodeMissingExternalID])
	require.False(t, byCode[CodeMissingTIV])
	// The mapping dropped all address columns, so location is missing.
	require.True(t, byCode[CodeMissingLocation])
}

func TestValidateRows_CoordinatesSatisfyLocation(t *testing.T) {
	csv := `external_location_id,latitude,longitude,tiv,currency,lob
LOC-1,40.7,-74.0,100,USD,property
`
	rows, err := ReadCSV([]byte(csv))
	require.NoError(t, err)
	report, err := ValidateRows(rows, nil)
	require.NoError(t, err)
	require.Empty(t, report.Issues)
}

func TestEngine_ExecutePersistsResultAndArtifact(t *testing.T) {
	st := store.NewMemStore()
	blobs, err := blob.NewFileStore(t.TempDir(), "aegis-test")
	require.NoError(t, err)
	eng := NewEngine(st, blobs, nil)
	ctx := context.Background()

	put, err := blobs.Put(ctx, "uploads/t1/u1/exposure.csv", []byte(goodCSV))
	require.NoError(t, err)
	require.NoError(t, st.Uploads().Create(ctx, &domain.ExposureUpload{
		ID: "u1", TenantID: "t1", Filename: "exposure.csv",
		ObjectURI: put.URI, Checksum: put.Checksum,
	}))

	result, err := eng.Execute(ctx, "t1", "u1", "", "run-1")
	require.NoError(t, err)
	require.Equal(t, 0, result.Summary["ERROR"])
	require.True(t, strings.Contains(result.RowErrorsURI, "validations/t1/u1/"))

	latest, err := st.Validations().LatestByUpload(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, result.ID, latest.ID)

	key, err := blobs.KeyFromURI(result.RowErrorsURI)
	require.NoError(t, err)
	artifact, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "[]", string(artifact))
}
