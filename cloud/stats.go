package cloud

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// LowProjectionLimit is the projection count below which a camera is
// considered weakly tied into the block.
const LowProjectionLimit = 100

// ErrNoObservations is returned by RMS when no enabled, posed camera
// observes a valid point. Every dataset that reaches cleaning has at least
// one, so this is a hard failure.
var ErrNoObservations = errors.New("no valid observations")

// ReferenceGroup partitions markers and scale bars by whether their
// reference takes part in the adjustment.
type ReferenceGroup int

const (
	// ControlPoints have an enabled reference and constrain the solution.
	ControlPoints ReferenceGroup = iota
	// CheckPoints have a disabled reference and validate the solution.
	CheckPoints
)

func (g ReferenceGroup) String() string {
	if g == ControlPoints {
		return "control"
	}
	return "check"
}

func (g ReferenceGroup) includes(enabled bool) bool {
	return enabled == (g == ControlPoints)
}

// rootMean accumulates squared errors.
type rootMean struct {
	sum float64
	n   int
}

func (a *rootMean) add(sq float64) {
	a.sum += sq
	a.n++
}

func (a rootMean) result() Optional {
	if a.n == 0 {
		return None
	}
	return Some(math.Sqrt(a.sum / float64(a.n)))
}

// RMS is the root mean square reprojection residual over every valid point
// observed by an enabled, posed camera.
func RMS(snap *Snapshot, idx *PointIndex) (float64, error) {
	var acc rootMean
	for _, cam := range snap.Cameras {
		if cam.Pose == nil || !cam.Enabled {
			continue
		}
		for _, proj := range snap.Projections[cam.ID] {
			pt, ok := idx.ValidPointForTrack(proj.TrackID)
			if !ok {
				continue
			}
			dx, dy, ok := cam.Residual(pt.Coord, proj)
			if !ok {
				continue
			}
			acc.add(dx*dx + dy*dy)
		}
	}
	res := acc.result()
	if !res.Valid {
		return 0, ErrNoObservations
	}
	return res.Value, nil
}

// TotalCameraError is the RMS distance between solved camera centers and
// their enabled reference locations, measured in the geocentric frame.
func TotalCameraError(snap *Snapshot) Optional {
	var acc rootMean
	crs := snap.Frame.CameraSystem()
	for _, cam := range snap.Cameras {
		if cam.Pose == nil || cam.Reference.Location == nil || !cam.Reference.Enabled {
			continue
		}
		estimated := snap.Frame.Transform.MulP(cam.Pose.Center)
		reference := crs.Unproject(*cam.Reference.Location)
		acc.add(r3.Norm2(r3.Sub(reference, estimated)))
	}
	return acc.result()
}

// MarkerResidual is the error of one marker in the local tangent frame.
type MarkerResidual struct {
	Label     string
	Group     ReferenceGroup
	Estimated r3.Vec // in the marker coordinate system
	Reference r3.Vec // in the marker coordinate system
	Local     r3.Vec // east, north, up (or x, y, z for local systems)
}

// MarkerResiduals lists every marker that has both an estimated position and
// a reference location.
func MarkerResiduals(snap *Snapshot) []MarkerResidual {
	crs := snap.Frame.MarkerSystem()
	var out []MarkerResidual
	for _, m := range snap.Markers {
		if m.Position == nil || m.Reference.Location == nil {
			continue
		}
		ecef := snap.Frame.Transform.MulP(*m.Position)
		diff := r3.Sub(ecef, crs.Unproject(*m.Reference.Location))
		group := CheckPoints
		if m.Reference.Enabled {
			group = ControlPoints
		}
		out = append(out, MarkerResidual{
			Label:     m.Label,
			Group:     group,
			Estimated: crs.Project(ecef),
			Reference: *m.Reference.Location,
			Local:     crs.LocalFrame(ecef).MulVec(diff),
		})
	}
	return out
}

// MarkerError is the RMS marker residual of one reference group.
func MarkerError(snap *Snapshot, group ReferenceGroup) Optional {
	var acc rootMean
	for _, res := range MarkerResiduals(snap) {
		if res.Group == group {
			acc.add(r3.Norm2(res.Local))
		}
	}
	return acc.result()
}

// endpointPosition resolves a scale bar end in internal chunk coordinates.
func (s *Snapshot) endpointPosition(e Endpoint) (r3.Vec, bool) {
	switch e.Kind {
	case EndpointCamera:
		cam, ok := s.camera(e.ID)
		if !ok || cam.Pose == nil {
			return r3.Vec{}, false
		}
		return cam.Pose.Center, true
	case EndpointMarker:
		m, ok := s.marker(e.ID)
		if !ok || m.Position == nil {
			return r3.Vec{}, false
		}
		return *m.Position, true
	}
	return r3.Vec{}, false
}

// ScaleBarError is the RMS difference between estimated and measured scale
// bar lengths in one reference group. Bars without a measured distance or
// with an unresolved end are skipped.
func ScaleBarError(snap *Snapshot, group ReferenceGroup) Optional {
	var acc rootMean
	for _, bar := range snap.ScaleBars {
		if bar.Reference.Distance == nil || *bar.Reference.Distance == 0 {
			continue
		}
		if !group.includes(bar.Reference.Enabled) {
			continue
		}
		p0, ok0 := snap.endpointPosition(bar.Point0)
		p1, ok1 := snap.endpointPosition(bar.Point1)
		if !ok0 || !ok1 {
			continue
		}
		estimated := r3.Norm(r3.Sub(p0, p1)) * snap.Frame.Transform.Scale
		d := estimated - *bar.Reference.Distance
		acc.add(d * d)
	}
	return acc.result()
}

// LowProjectionCameras counts measuring cameras with fewer than
// LowProjectionLimit valid projections. Unposed cameras always count.
// Keyframes are not measuring cameras and are ignored.
func LowProjectionCameras(snap *Snapshot, idx *PointIndex) int {
	low := 0
	for _, cam := range snap.Cameras {
		if cam.Type == CameraKeyframe {
			continue
		}
		if cam.Pose == nil {
			low++
			continue
		}
		n := 0
		for _, proj := range snap.Projections[cam.ID] {
			if _, ok := idx.ValidPointForTrack(proj.TrackID); ok {
				n++
			}
		}
		if n < LowProjectionLimit {
			low++
		}
	}
	return low
}

// CollectStatistics measures everything the run report needs.
func CollectStatistics(snap *Snapshot, idx *PointIndex) (Statistics, error) {
	rms, err := RMS(snap, idx)
	if err != nil {
		return Statistics{}, fmt.Errorf("computing RMS: %w", err)
	}
	return Statistics{
		Points:            idx.ValidCount(),
		RMS:               Some(rms),
		SEUW:              snap.Sigma0,
		CameraError:       TotalCameraError(snap),
		ControlPointError: MarkerError(snap, ControlPoints),
		CheckPointError:   MarkerError(snap, CheckPoints),
		ControlScaleError: ScaleBarError(snap, ControlPoints),
		CheckScaleError:   ScaleBarError(snap, CheckPoints),
		LowProjection:     LowProjectionCameras(snap, idx),
	}, nil
}
