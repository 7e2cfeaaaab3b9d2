package cloud

import (
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"
)

// WGS84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// CRSKind selects how reference coordinates are interpreted.
type CRSKind string

const (
	// CRSLocal is an engineering frame; coordinates are already Cartesian.
	CRSLocal CRSKind = "local"
	// CRSGeographic is WGS84 longitude, latitude (degrees) and ellipsoidal
	// height (meters).
	CRSGeographic CRSKind = "geographic"
)

// CoordinateSystem converts reference coordinates to and from the
// geocentric Cartesian frame the chunk transform targets.
type CoordinateSystem struct {
	Kind CRSKind `json:"kind"`
	Name string  `json:"name,omitempty"`
}

// LocalCRS is the default engineering coordinate system.
var LocalCRS = CoordinateSystem{Kind: CRSLocal, Name: "LOCAL"}

// WGS84 is the geographic coordinate system.
var WGS84 = CoordinateSystem{Kind: CRSGeographic, Name: "WGS 84"}

// Geographic reports whether coordinates are longitude/latitude/height.
func (cs CoordinateSystem) Geographic() bool {
	return cs.Kind == CRSGeographic
}

// Unproject converts a coordinate of this system into the geocentric frame.
func (cs CoordinateSystem) Unproject(v r3.Vec) r3.Vec {
	if !cs.Geographic() {
		return v
	}
	return GeodeticToECEF(orb.Point{v.X, v.Y}, v.Z)
}

// Project converts a geocentric position into this system's coordinates.
func (cs CoordinateSystem) Project(ecef r3.Vec) r3.Vec {
	if !cs.Geographic() {
		return ecef
	}
	p, h := ECEFToGeodetic(ecef)
	return r3.Vec{X: p.Lon(), Y: p.Lat(), Z: h}
}

// LocalFrame returns the rotation from geocentric axes into the local
// east-north-up tangent frame at ecef. Local systems use identity.
func (cs CoordinateSystem) LocalFrame(ecef r3.Vec) *r3.Mat {
	if !cs.Geographic() {
		return r3.NewMat(IdentityRotation[:])
	}
	p, _ := ECEFToGeodetic(ecef)
	return ENURotation(p)
}

// ChunkTransform is the similarity transform from internal chunk coordinates
// to the geocentric frame: x' = Scale * R x + Translation.
type ChunkTransform struct {
	Rotation    [9]float64 `json:"rotation"`
	Translation r3.Vec     `json:"translation"`
	Scale       float64    `json:"scale"`
}

// IdentityTransform leaves chunk coordinates unchanged.
func IdentityTransform() ChunkTransform {
	return ChunkTransform{Rotation: IdentityRotation, Scale: 1}
}

// MulP applies the transform to a point.
func (t ChunkTransform) MulP(p r3.Vec) r3.Vec {
	rot := r3.NewMat(t.Rotation[:])
	return r3.Add(r3.Scale(t.Scale, rot.MulVec(p)), t.Translation)
}

// Frame is the chunk's georeferencing: its transform plus the coordinate
// systems references are expressed in. CameraCRS and MarkerCRS override CRS
// for camera and marker references when set.
type Frame struct {
	Transform ChunkTransform    `json:"transform"`
	CRS       CoordinateSystem  `json:"crs"`
	CameraCRS *CoordinateSystem `json:"cameraCrs,omitempty"`
	MarkerCRS *CoordinateSystem `json:"markerCrs,omitempty"`
}

// CameraSystem is the coordinate system camera references use.
func (f Frame) CameraSystem() CoordinateSystem {
	if f.CameraCRS != nil {
		return *f.CameraCRS
	}
	return f.CRS
}

// MarkerSystem is the coordinate system marker references use.
func (f Frame) MarkerSystem() CoordinateSystem {
	if f.MarkerCRS != nil {
		return *f.MarkerCRS
	}
	return f.CRS
}

// GeodeticToECEF converts WGS84 longitude/latitude in degrees and height in
// meters to Earth-centered Earth-fixed coordinates.
func GeodeticToECEF(p orb.Point, h float64) r3.Vec {
	lon := p.Lon() * math.Pi / 180
	lat := p.Lat() * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return r3.Vec{
		X: (n + h) * cosLat * cosLon,
		Y: (n + h) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + h) * sinLat,
	}
}

// ECEFToGeodetic is the inverse of GeodeticToECEF (Bowring's iteration).
func ECEFToGeodetic(v r3.Vec) (orb.Point, float64) {
	lon := math.Atan2(v.Y, v.X)
	p := math.Hypot(v.X, v.Y)
	if p < 1e-9 {
		lat := math.Copysign(math.Pi/2, v.Z)
		b := wgs84A * math.Sqrt(1-wgs84E2)
		return orb.Point{lon * 180 / math.Pi, lat * 180 / math.Pi}, math.Abs(v.Z) - b
	}
	lat := math.Atan2(v.Z, p*(1-wgs84E2))
	var h float64
	for i := 0; i < 8; i++ {
		sinLat := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		h = p/math.Cos(lat) - n
		next := math.Atan2(v.Z, p*(1-wgs84E2*n/(n+h)))
		if math.Abs(next-lat) < 1e-14 {
			lat = next
			break
		}
		lat = next
	}
	return orb.Point{lon * 180 / math.Pi, lat * 180 / math.Pi}, h
}

// ENURotation returns the rotation from ECEF axes into east-north-up axes
// at the given geographic position.
func ENURotation(p orb.Point) *r3.Mat {
	lon := p.Lon() * math.Pi / 180
	lat := p.Lat() * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	return r3.NewMat([]float64{
		-sinLon, cosLon, 0,
		-sinLat * cosLon, -sinLat * sinLon, cosLat,
		cosLat * cosLon, cosLat * sinLon, sinLat,
	})
}
