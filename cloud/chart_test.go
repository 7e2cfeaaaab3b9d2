package cloud

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chartResults() []*RunResult {
	return []*RunResult{
		{
			Criterion: ReprojectionError, Status: StatusConverged, Iterations: 3,
			Points: CountChange{Before: 900, After: 780},
			History: []IterationSnapshot{
				{Iteration: 1, AboveTarget: 90},
				{Iteration: 2, AboveTarget: 40},
				{Iteration: 3, AboveTarget: 8},
			},
		},
		{
			Criterion: ReprojectionErrorRMSE, Status: StatusExhaustedIterations, Iterations: 2,
			Points: CountChange{Before: 780, After: 700},
			History: []IterationSnapshot{
				{Iteration: 1, RMS: Some(0.31)},
				{Iteration: 2, RMS: Some(0.24)},
			},
		},
	}
}

func TestChartRenderer_SVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewChartRenderer(chartResults()).RenderToSVG(&buf))
	out := buf.String()
	assert.True(t, strings.Contains(out, "<svg"), "output should be SVG")
	assert.Contains(t, out, "<path")
}

func TestChartRenderer_PNG(t *testing.T) {
	r := NewChartRenderer(chartResults())
	var buf bytes.Buffer
	require.NoError(t, r.RenderToPNG(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 100)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestChartRenderer_SetResolution(t *testing.T) {
	r := NewChartRenderer(chartResults())
	var low bytes.Buffer
	require.NoError(t, r.RenderToPNG(&low))

	r.SetResolution(0)
	assert.Equal(t, NewChartRenderer(nil).Resolution, r.Resolution, "non-positive DPI keeps the default")

	r.SetResolution(300)
	var high bytes.Buffer
	require.NoError(t, r.RenderToPNG(&high))

	lowImg, err := png.Decode(&low)
	require.NoError(t, err)
	highImg, err := png.Decode(&high)
	require.NoError(t, err)
	assert.InDelta(t, 2*lowImg.Bounds().Dx(), highImg.Bounds().Dx(), 2)
}

func TestChartRenderer_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewChartRenderer(nil).RenderToSVG(&buf))
	assert.Contains(t, buf.String(), "<svg")
	assert.Zero(t, NewChartRenderer(nil).maxIterations())
	assert.Equal(t, 3, NewChartRenderer(chartResults()).maxIterations())
}

func TestStepColor_Distinct(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range Criteria {
		col := StepColor(c)
		key := string([]byte{col.R, col.G, col.B})
		assert.False(t, seen[key], "color reused for %s", c)
		seen[key] = true
	}
}

func TestSummaryCard(t *testing.T) {
	results := chartResults()
	img := RenderSummaryCard("Chunk 1", results)
	assert.Equal(t, 420, img.Bounds().Dx())
	assert.Equal(t, 30+18*len(results)+10, img.Bounds().Dy())

	// Swatch of the first step sits left of its text line.
	want := nrgbaToRGBA(StepColor(ReprojectionError))
	assert.Equal(t, want, img.RGBAAt(15, 35))

	var buf bytes.Buffer
	require.NoError(t, WriteSummaryCard(&buf, "Chunk 1", results))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}
