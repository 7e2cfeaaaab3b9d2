package cloud

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowMap(rows []ReportRow) map[string]string {
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		m[r.Label] = r.Value
	}
	return m
}

func TestReportRows_Percentile(t *testing.T) {
	r := &RunResult{
		Criterion:      ReprojectionError,
		Iterations:     4,
		Points:         CountChange{Before: 1200, After: 950},
		RMS:            Change{Before: Some(0.41), After: Some(0.29)},
		SEUW:           Change{Before: Some(1.2), After: Some(1)},
		Threshold:      Change{Before: Some(0.9), After: Some(0.3)},
		LowProjection:  CountChange{Before: 3, After: 5},
		ReversalCount:  1,
		ReversalPoints: 12,
	}
	rows := ReportRows(r)
	require.Len(t, rows, 12)
	assert.Equal(t, FieldIterations, rows[0].Label)
	assert.Equal(t, FieldReversals, rows[11].Label)

	m := rowMap(rows)
	assert.Equal(t, "4", m[FieldIterations])
	assert.Equal(t, "1200       ---> 950", m[FieldPoints])
	assert.Equal(t, "0.41000    ---> 0.29000 (pix)", m[FieldRMSE])
	assert.Equal(t, "1.20000    ---> 1.00000", m[FieldSEUW])
	assert.Equal(t, "0.900000   ---> 0.300000", m[FieldLevel])
	assert.Equal(t, "3          ---> 5", m[FieldLowProjection])
	assert.Equal(t, "1 / 12", m[FieldReversals])

	assert.Empty(t, m[FieldCameraError], "unavailable statistics render blank")
	assert.Empty(t, m[FieldCheckPoint])
	assert.Empty(t, m[FieldControlScale])
}

func TestReportRows_RMSEOmitsLevelAndReversals(t *testing.T) {
	rows := ReportRows(&RunResult{Criterion: ReprojectionErrorRMSE, Iterations: 2})
	m := rowMap(rows)
	assert.Len(t, rows, 10)
	assert.NotContains(t, m, FieldLevel)
	assert.NotContains(t, m, FieldReversals)
}

func TestReportRows_LegacyParsesBack(t *testing.T) {
	r := &RunResult{
		Criterion:         ProjectionAccuracy,
		Iterations:        1,
		Points:            CountChange{Before: 100, After: 90},
		ControlPointError: Change{Before: Some(0.012), After: Some(0.011)},
	}
	fields := rowMap(ReportRows(r))
	back, err := parseLegacyTree(ProjectionAccuracy, fields)
	require.NoError(t, err)
	assert.Equal(t, r.Points, back.Points)
	assert.InDelta(t, 0.011, back.ControlPointError.After.Value, 1e-9)
	assert.False(t, back.RMS.Available())
}

func TestWriteReport(t *testing.T) {
	results := map[int]*RunResult{
		ReprojectionError.StepIndex(): {
			Criterion: ReprojectionError, Status: StatusConverged, Iterations: 2,
			Points: CountChange{Before: 10, After: 8},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, "Chunk 1", results))
	out := buf.String()

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, "Chunk: Chunk 1", lines[0])
	assert.Equal(t, "Step 1: Reconstruction Uncertainty (not run)", lines[1])
	assert.Equal(t, "Step 2: Projection Accuracy (not run)", lines[2])
	assert.Equal(t, "Step 3: Reprojection Error [converged]", lines[3])
	assert.Contains(t, out, "  Num. iterations      2\n")
	assert.Contains(t, out, "Step 4: Reprojection Error (RMSE Minimization) (not run)")
}

func TestRunBanner(t *testing.T) {
	cfg := DefaultStepConfiguration(ReprojectionErrorRMSE, 0.5)
	banner := RunBanner(cfg)

	assert.True(t, strings.HasPrefix(banner, "Step 4: Reprojection Error (RMSE Minimization)\n"))
	assert.Contains(t, banner, "target threshold:   0.18\n")
	assert.Contains(t, banner, "max iterations:     200\n")
	assert.Contains(t, banner, "tie point accuracy: 0.5 px\n")
	assert.Contains(t, banner, "[x] fit_f")
	assert.Contains(t, banner, "[ ] fit_k4")
	assert.Contains(t, banner, "[x] tiepoint_covariance")
	assert.Equal(t, 10, strings.Count(banner, "\n"), "header, four settings and 14 flags in rows of three")
}
