package cloud

import (
	"fmt"
	"math"
	"strconv"
	"sync"
)

// OptimizeFunc stands in for bundle adjustment. It may edit the scene (for
// example to move cameras or rescale per-point metrics) before sigma0 is
// recomputed.
type OptimizeFunc func(scene *Scene, p OptimizeParams) error

// MemoryReconstruction is a Reconstruction held entirely in memory. It backs
// the command line tool when working from exported scene files and serves as
// the engine in tests.
type MemoryReconstruction struct {
	mu    sync.RWMutex
	scene *Scene

	// Optimize is invoked by OptimizeCameras. Nil leaves cameras unchanged.
	Optimize OptimizeFunc

	lastParams    OptimizeParams
	optimizeCalls int
}

var _ Reconstruction = (*MemoryReconstruction)(nil)

// NewMemoryReconstruction wraps a scene. The scene is owned by the
// reconstruction afterwards.
func NewMemoryReconstruction(scene *Scene) *MemoryReconstruction {
	if scene.Meta == nil {
		scene.Meta = make(map[string]string)
	}
	if scene.Projections == nil {
		scene.Projections = make(map[int][]Projection)
	}
	if scene.Frame.Transform.Scale == 0 {
		scene.Frame.Transform = IdentityTransform()
	}
	return &MemoryReconstruction{scene: scene}
}

// Scene returns the underlying scene for saving. Callers must not use it
// while a run is active.
func (m *MemoryReconstruction) Scene() *Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scene
}

// Label implements Reconstruction.
func (m *MemoryReconstruction) Label() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scene.Label
}

// Points implements Reconstruction.
func (m *MemoryReconstruction) Points() []TiePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TiePoint, len(m.scene.Points))
	for i, p := range m.scene.Points {
		out[i] = p.TiePoint
	}
	return out
}

// TrackCount implements Reconstruction.
func (m *MemoryReconstruction) TrackCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, projs := range m.scene.Projections {
		for _, p := range projs {
			if p.TrackID >= n {
				n = p.TrackID + 1
			}
		}
	}
	for _, p := range m.scene.Points {
		if p.TrackID >= n {
			n = p.TrackID + 1
		}
	}
	return n
}

// Cameras implements Reconstruction.
func (m *MemoryReconstruction) Cameras() []Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Camera(nil), m.scene.Cameras...)
}

// Projections implements Reconstruction.
func (m *MemoryReconstruction) Projections(cameraID int) []Projection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Projection(nil), m.scene.Projections[cameraID]...)
}

// Markers implements Reconstruction.
func (m *MemoryReconstruction) Markers() []Marker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Marker(nil), m.scene.Markers...)
}

// ScaleBars implements Reconstruction.
func (m *MemoryReconstruction) ScaleBars() []ScaleBar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ScaleBar(nil), m.scene.ScaleBars...)
}

// Frame implements Reconstruction.
func (m *MemoryReconstruction) Frame() Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scene.Frame
}

// Meta implements Reconstruction.
func (m *MemoryReconstruction) Meta(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scene.Meta[key]
	return v, ok
}

// TiePointAccuracy implements Reconstruction.
func (m *MemoryReconstruction) TiePointAccuracy() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scene.TiePointAccuracy
}

// SetTiePointAccuracy implements Reconstruction.
func (m *MemoryReconstruction) SetTiePointAccuracy(pixels float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scene.TiePointAccuracy = pixels
}

// reprojectionErrors returns, per track, the largest residual over all
// enabled posed cameras normalized by the tie point accuracy.
func (m *MemoryReconstruction) reprojectionErrors() map[int]float64 {
	coords := make(map[int]ScenePoint, len(m.scene.Points))
	for _, p := range m.scene.Points {
		coords[p.TrackID] = p
	}
	acc := m.scene.TiePointAccuracy
	if acc <= 0 {
		acc = 1
	}
	worst := make(map[int]float64, len(coords))
	for _, cam := range m.scene.Cameras {
		if cam.Pose == nil || !cam.Enabled {
			continue
		}
		for _, proj := range m.scene.Projections[cam.ID] {
			pt, ok := coords[proj.TrackID]
			if !ok {
				continue
			}
			r, ok := cam.ResidualNorm(pt.Coord, proj)
			if !ok {
				continue
			}
			worst[proj.TrackID] = math.Max(worst[proj.TrackID], r/acc)
		}
	}
	return worst
}

func (m *MemoryReconstruction) values(c FilterCriterion) ([]float64, error) {
	out := make([]float64, len(m.scene.Points))
	switch c.Metric() {
	case ReconstructionUncertainty:
		for i, p := range m.scene.Points {
			out[i] = p.Uncertainty
		}
	case ProjectionAccuracy:
		for i, p := range m.scene.Points {
			out[i] = p.Accuracy
		}
	case ReprojectionError:
		worst := m.reprojectionErrors()
		for i, p := range m.scene.Points {
			out[i] = worst[p.TrackID]
		}
	default:
		return nil, fmt.Errorf("no metric for %s", c)
	}
	return out, nil
}

// ErrorValues implements Reconstruction.
func (m *MemoryReconstruction) ErrorValues(c FilterCriterion) ([]PointValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values, err := m.values(c)
	if err != nil {
		return nil, err
	}
	out := make([]PointValue, len(values))
	for i, v := range values {
		out[i] = PointValue{PointID: i, Value: v}
	}
	return out, nil
}

// RemovePoints implements Reconstruction. Removed points are dropped from
// the point list, so point ids shift.
func (m *MemoryReconstruction) RemovePoints(c FilterCriterion, threshold float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, err := m.values(c)
	if err != nil {
		return 0, err
	}
	kept := m.scene.Points[:0]
	removed := 0
	for i, p := range m.scene.Points {
		if p.Valid && values[i] >= threshold {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	m.scene.Points = kept
	return removed, nil
}

// OptimizeCameras implements Reconstruction. After the Optimize hook runs,
// sigma0 is recomputed as the RMS residual in units of tie point accuracy.
func (m *MemoryReconstruction) OptimizeCameras(p OptimizeParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastParams = p
	m.optimizeCalls++
	if m.Optimize != nil {
		if err := m.Optimize(m.scene, p); err != nil {
			return err
		}
	}

	points := make([]TiePoint, len(m.scene.Points))
	for i, sp := range m.scene.Points {
		points[i] = sp.TiePoint
	}
	snap := &Snapshot{
		Points:      points,
		Cameras:     m.scene.Cameras,
		Projections: m.scene.Projections,
	}
	rms, err := RMS(snap, NewPointIndex(points, 0))
	if err != nil {
		delete(m.scene.Meta, SigmaMetaKey)
		return nil
	}
	acc := m.scene.TiePointAccuracy
	if acc <= 0 {
		acc = 1
	}
	m.scene.Meta[SigmaMetaKey] = strconv.FormatFloat(rms/acc, 'g', -1, 64)
	return nil
}

// LastOptimize returns the parameters of the most recent optimization and
// how many optimizations have run.
func (m *MemoryReconstruction) LastOptimize() (OptimizeParams, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastParams, m.optimizeCalls
}
