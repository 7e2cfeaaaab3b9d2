package cloud

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Calibration is a frame camera model: focal length and principal point
// offset in pixels, radial k1-k4, tangential p1/p2 and affinity/skew b1/b2.
type Calibration struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	F      float64 `json:"f"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	K1     float64 `json:"k1"`
	K2     float64 `json:"k2"`
	K3     float64 `json:"k3"`
	K4     float64 `json:"k4"`
	P1     float64 `json:"p1"`
	P2     float64 `json:"p2"`
	B1     float64 `json:"b1"`
	B2     float64 `json:"b2"`
}

// Pose places a camera in internal chunk coordinates. Rotation is row-major
// and maps chunk axes into camera axes (z forward).
type Pose struct {
	Center   r3.Vec     `json:"center"`
	Rotation [9]float64 `json:"rotation"`
}

// IdentityRotation is a camera looking down the chunk's +z axis.
var IdentityRotation = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// ToCamera converts a chunk point into camera coordinates.
func (p Pose) ToCamera(pt r3.Vec) r3.Vec {
	rot := r3.NewMat(p.Rotation[:])
	return rot.MulVec(r3.Sub(pt, p.Center))
}

// Project maps a chunk point to pixel coordinates. ok is false for points
// behind the camera.
func (c Camera) Project(pt r3.Vec) (u, v float64, ok bool) {
	if c.Pose == nil {
		return 0, 0, false
	}
	pc := c.Pose.ToCamera(pt)
	if pc.Z <= 0 {
		return 0, 0, false
	}
	x := pc.X / pc.Z
	y := pc.Y / pc.Z
	u, v = c.Calibration.Distort(x, y)
	return u, v, true
}

// Distort applies the frame model to normalized image coordinates:
//
//	r² = x² + y²
//	x' = x(1 + k1r² + k2r⁴ + k3r⁶ + k4r⁸) + p1(r² + 2x²) + 2p2xy
//	y' = y(1 + k1r² + k2r⁴ + k3r⁶ + k4r⁸) + p2(r² + 2y²) + 2p1xy
//	u  = w/2 + cx + x'f + x'b1 + y'b2
//	v  = h/2 + cy + y'f
func (cal Calibration) Distort(x, y float64) (u, v float64) {
	r2 := x*x + y*y
	radial := 1 + r2*(cal.K1+r2*(cal.K2+r2*(cal.K3+r2*cal.K4)))
	xd := x*radial + cal.P1*(r2+2*x*x) + 2*cal.P2*x*y
	yd := y*radial + cal.P2*(r2+2*y*y) + 2*cal.P1*x*y
	u = float64(cal.Width)*0.5 + cal.Cx + xd*cal.F + xd*cal.B1 + yd*cal.B2
	v = float64(cal.Height)*0.5 + cal.Cy + yd*cal.F
	return u, v
}

// Residual returns the predicted minus observed image position of pt.
func (c Camera) Residual(pt r3.Vec, obs Projection) (dx, dy float64, ok bool) {
	u, v, ok := c.Project(pt)
	if !ok {
		return 0, 0, false
	}
	return u - obs.X, v - obs.Y, true
}

// ResidualNorm is the Euclidean length of Residual.
func (c Camera) ResidualNorm(pt r3.Vec, obs Projection) (float64, bool) {
	dx, dy, ok := c.Residual(pt, obs)
	if !ok {
		return 0, false
	}
	return math.Hypot(dx, dy), true
}
