package cloud

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PointIndex maps track ids to point ids and back. It is built once per
// point set and shared by every statistic computed against that set.
type PointIndex struct {
	points       []TiePoint
	trackToPoint []int
}

// NewPointIndex builds the index for a point list.
func NewPointIndex(points []TiePoint, trackCount int) *PointIndex {
	for _, p := range points {
		if p.TrackID >= trackCount {
			trackCount = p.TrackID + 1
		}
	}
	idx := &PointIndex{
		points:       points,
		trackToPoint: make([]int, trackCount),
	}
	for i := range idx.trackToPoint {
		idx.trackToPoint[i] = -1
	}
	for id, p := range points {
		if p.TrackID >= 0 {
			idx.trackToPoint[p.TrackID] = id
		}
	}
	return idx
}

// PointForTrack resolves a track id to its point id.
func (idx *PointIndex) PointForTrack(trackID int) (int, bool) {
	if trackID < 0 || trackID >= len(idx.trackToPoint) {
		return -1, false
	}
	id := idx.trackToPoint[trackID]
	return id, id >= 0
}

// TrackForPoint resolves a point id to its track id.
func (idx *PointIndex) TrackForPoint(pointID int) (int, bool) {
	if pointID < 0 || pointID >= len(idx.points) {
		return -1, false
	}
	return idx.points[pointID].TrackID, true
}

// ValidPointForTrack returns the point observed by a projection if that
// point exists and is valid.
func (idx *PointIndex) ValidPointForTrack(trackID int) (TiePoint, bool) {
	id, ok := idx.PointForTrack(trackID)
	if !ok || !idx.points[id].Valid {
		return TiePoint{}, false
	}
	return idx.points[id], true
}

// IsValid reports the validity flag of a point id.
func (idx *PointIndex) IsValid(pointID int) bool {
	return pointID >= 0 && pointID < len(idx.points) && idx.points[pointID].Valid
}

// ValidCount returns the number of valid points.
func (idx *PointIndex) ValidCount() int {
	n := 0
	for _, p := range idx.points {
		if p.Valid {
			n++
		}
	}
	return n
}

// Distribution is the ascending sorted error values of the valid points.
type Distribution struct {
	Values []float64
}

// NewDistribution sorts a copy of values.
func NewDistribution(values []float64) Distribution {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Distribution{Values: sorted}
}

// Len is the number of values.
func (d Distribution) Len() int { return len(d.Values) }

// Max is the largest value, unavailable for an empty distribution.
func (d Distribution) Max() Optional {
	if len(d.Values) == 0 {
		return None
	}
	return Some(floats.Max(d.Values))
}

// Quantile returns the empirical p-quantile, unavailable when empty.
func (d Distribution) Quantile(p float64) Optional {
	if len(d.Values) == 0 {
		return None
	}
	return Some(stat.Quantile(p, stat.Empirical, d.Values, nil))
}

// CountAbove counts values strictly greater than t.
func (d Distribution) CountAbove(t float64) int {
	i := sort.Search(len(d.Values), func(i int) bool { return d.Values[i] > t })
	return len(d.Values) - i
}

// Sampler pulls the current error distribution for a criterion. It caches
// the point index until Invalidate is called after the point set changes.
type Sampler struct {
	recon Reconstruction
	index *PointIndex
}

// NewSampler creates a sampler over a reconstruction.
func NewSampler(r Reconstruction) *Sampler {
	return &Sampler{recon: r}
}

// Index returns the point index, building it if needed.
func (s *Sampler) Index() *PointIndex {
	if s.index == nil {
		s.index = NewPointIndex(s.recon.Points(), s.recon.TrackCount())
	}
	return s.index
}

// Invalidate drops the cached index. Call after points are removed.
func (s *Sampler) Invalidate() {
	s.index = nil
}

// Sample returns the sorted values of the currently valid points.
func (s *Sampler) Sample(c FilterCriterion) (Distribution, error) {
	values, err := s.recon.ErrorValues(c.Metric())
	if err != nil {
		return Distribution{}, fmt.Errorf("reading %s values: %w", c.Metric(), err)
	}
	idx := s.Index()
	valid := make([]float64, 0, len(values))
	for _, pv := range values {
		if idx.IsValid(pv.PointID) {
			valid = append(valid, pv.Value)
		}
	}
	sort.Float64s(valid)
	return Distribution{Values: valid}, nil
}
