package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointIndex(t *testing.T) {
	points := []TiePoint{
		{TrackID: 4, Valid: true},
		{TrackID: 1, Valid: false},
		{TrackID: 2, Valid: true},
	}
	idx := NewPointIndex(points, 3)

	id, ok := idx.PointForTrack(4)
	assert.True(t, ok, "track beyond trackCount must still resolve")
	assert.Equal(t, 0, id)

	_, ok = idx.PointForTrack(0)
	assert.False(t, ok, "track without a point")
	_, ok = idx.PointForTrack(-1)
	assert.False(t, ok)

	track, ok := idx.TrackForPoint(2)
	assert.True(t, ok)
	assert.Equal(t, 2, track)

	_, ok = idx.ValidPointForTrack(1)
	assert.False(t, ok, "invalid point must not be returned")

	assert.True(t, idx.IsValid(0))
	assert.False(t, idx.IsValid(1))
	assert.False(t, idx.IsValid(7))
	assert.Equal(t, 2, idx.ValidCount())
}

func TestDistribution(t *testing.T) {
	d := NewDistribution([]float64{3, 1, 2, 5, 4})
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, d.Values)
	assert.Equal(t, Some(5), d.Max())
	assert.Equal(t, Some(3), d.Quantile(0.5))
	assert.Equal(t, 2, d.CountAbove(3), "strictly greater")
	assert.Equal(t, 0, d.CountAbove(5))

	var empty Distribution
	assert.False(t, empty.Max().Valid)
	assert.False(t, empty.Quantile(0.5).Valid)
	assert.Equal(t, 0, empty.CountAbove(0))
}

func TestSampler_SkipsInvalidPoints(t *testing.T) {
	scene := lineScene([]float64{3, 1, 2})
	scene.Points[0].Valid = false
	recon := NewMemoryReconstruction(scene)

	s := NewSampler(recon)
	d, err := s.Sample(ReconstructionUncertainty)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, d.Values)
}

func TestSampler_RMSEUsesReprojectionValues(t *testing.T) {
	recon := NewMemoryReconstruction(lineScene([]float64{0.5, 0.25, 1}))
	s := NewSampler(recon)

	d, err := s.Sample(ReprojectionErrorRMSE)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.5, 1}, d.Values)
}

func TestSampler_InvalidateAfterRemoval(t *testing.T) {
	recon := NewMemoryReconstruction(lineScene(ramp(5)))
	s := NewSampler(recon)
	assert.Equal(t, 5, s.Index().ValidCount())

	removed, err := recon.RemovePoints(ProjectionAccuracy, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	s.Invalidate()
	d, err := s.Sample(ProjectionAccuracy)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, d.Values)
	assert.Equal(t, 3, s.Index().ValidCount())
}
