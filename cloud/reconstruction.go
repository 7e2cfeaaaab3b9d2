package cloud

import (
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
)

// SigmaMetaKey is the metadata key under which the optimizer publishes the
// a-posteriori variance factor (SEUW).
const SigmaMetaKey = "OptimizeCameras/sigma0"

// TiePoint is a reconstructed sparse point. Its position in the engine's
// point list is its point id; TrackID links it to image projections.
type TiePoint struct {
	TrackID int    `json:"trackId"`
	Coord   r3.Vec `json:"coord"`
	Valid   bool   `json:"valid"`
}

// Projection is an observation of a track in one camera, in pixels.
type Projection struct {
	TrackID int     `json:"trackId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// PointValue is one per-point error value reported by the engine.
type PointValue struct {
	PointID int
	Value   float64
}

// CameraType distinguishes measuring cameras from derived frames.
type CameraType string

const (
	CameraRegular  CameraType = "regular"
	CameraKeyframe CameraType = "keyframe"
)

// Reference is a surveyed location in the chunk's coordinate system.
type Reference struct {
	Location *r3.Vec `json:"location,omitempty"`
	Enabled  bool    `json:"enabled"`
}

// Camera is a read-only snapshot of one camera. Pose is nil for cameras the
// alignment could not solve.
type Camera struct {
	ID          int         `json:"id"`
	Label       string      `json:"label"`
	Type        CameraType  `json:"type,omitempty"`
	Enabled     bool        `json:"enabled"`
	Pose        *Pose       `json:"pose,omitempty"`
	Calibration Calibration `json:"calibration"`
	Reference   Reference   `json:"reference"`
}

// Marker is a ground control target. Position is in internal chunk
// coordinates and nil when the marker could not be triangulated.
type Marker struct {
	ID        int       `json:"id"`
	Label     string    `json:"label"`
	Position  *r3.Vec   `json:"position,omitempty"`
	Reference Reference `json:"reference"`
}

// EndpointKind tells whether a scale bar end is a camera or a marker.
type EndpointKind string

const (
	EndpointCamera EndpointKind = "camera"
	EndpointMarker EndpointKind = "marker"
)

// Endpoint identifies one end of a scale bar.
type Endpoint struct {
	Kind EndpointKind `json:"kind"`
	ID   int          `json:"id"`
}

// ScaleBarReference holds the measured length of a scale bar.
type ScaleBarReference struct {
	Distance *float64 `json:"distance,omitempty"`
	Enabled  bool     `json:"enabled"`
}

// ScaleBar is a known distance between two cameras or two markers.
type ScaleBar struct {
	ID        int               `json:"id"`
	Label     string            `json:"label"`
	Point0    Endpoint          `json:"point0"`
	Point1    Endpoint          `json:"point1"`
	Reference ScaleBarReference `json:"reference"`
}

// Reconstruction is the external engine holding the sparse cloud, cameras,
// markers and scale bars. Cleaning runs take exclusive logical ownership of
// it for their duration; nothing else may write to it meanwhile.
type Reconstruction interface {
	Label() string

	Points() []TiePoint
	TrackCount() int
	Cameras() []Camera
	Projections(cameraID int) []Projection
	Markers() []Marker
	ScaleBars() []ScaleBar
	Frame() Frame
	Meta(key string) (string, bool)

	TiePointAccuracy() float64
	SetTiePointAccuracy(pixels float64)

	// ErrorValues returns one value per point id for the criterion's metric.
	ErrorValues(c FilterCriterion) ([]PointValue, error)
	// RemovePoints deletes every valid point whose value is >= threshold and
	// returns how many were removed. Point ids are reassigned afterwards.
	RemovePoints(c FilterCriterion, threshold float64) (int, error)
	// OptimizeCameras runs bundle adjustment synchronously and updates the
	// SigmaMetaKey metadata entry.
	OptimizeCameras(p OptimizeParams) error
}

// Snapshot is a consistent read of everything the statistics need.
type Snapshot struct {
	Points      []TiePoint
	TrackCount  int
	Cameras     []Camera
	Projections map[int][]Projection
	Markers     []Marker
	ScaleBars   []ScaleBar
	Frame       Frame
	Sigma0      Optional
}

// TakeSnapshot reads the current reconstruction state.
func TakeSnapshot(r Reconstruction) *Snapshot {
	cameras := r.Cameras()
	snap := &Snapshot{
		Points:      r.Points(),
		TrackCount:  r.TrackCount(),
		Cameras:     cameras,
		Projections: make(map[int][]Projection, len(cameras)),
		Markers:     r.Markers(),
		ScaleBars:   r.ScaleBars(),
		Frame:       r.Frame(),
	}
	for _, cam := range cameras {
		snap.Projections[cam.ID] = r.Projections(cam.ID)
	}
	if raw, ok := r.Meta(SigmaMetaKey); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			snap.Sigma0 = Some(v)
		}
	}
	return snap
}

func (s *Snapshot) camera(id int) (Camera, bool) {
	for _, cam := range s.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return Camera{}, false
}

func (s *Snapshot) marker(id int) (Marker, bool) {
	for _, m := range s.Markers {
		if m.ID == id {
			return m, true
		}
	}
	return Marker{}, false
}
