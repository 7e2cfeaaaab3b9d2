package cloud

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"
)

// MarkerResidualCollection exports marker residuals as GeoJSON. Each marker
// becomes a Point at its estimated position and a LineString from its
// reference to the estimate. Coordinates are longitude/latitude for
// geographic systems and x/y otherwise.
func MarkerResidualCollection(snap *Snapshot) *geojson.FeatureCollection {
	geographic := snap.Frame.MarkerSystem().Geographic()
	fc := geojson.NewFeatureCollection()

	for _, res := range MarkerResiduals(snap) {
		est := orb.Point{res.Estimated.X, res.Estimated.Y}
		ref := orb.Point{res.Reference.X, res.Reference.Y}

		var horizontal float64
		if geographic {
			horizontal = geo.Distance(ref, est)
		} else {
			horizontal = planar.Distance(ref, est)
		}

		props := geojson.Properties{
			"label":      res.Label,
			"group":      res.Group.String(),
			"east":       res.Local.X,
			"north":      res.Local.Y,
			"up":         res.Local.Z,
			"horizontal": horizontal,
			"error":      r3.Norm(res.Local),
		}

		point := geojson.NewFeature(est)
		point.ID = res.Label
		point.Properties = props
		fc.Append(point)

		offset := geojson.NewFeature(orb.LineString{ref, est})
		offset.Properties = geojson.Properties{
			"label": res.Label,
			"group": res.Group.String(),
			"kind":  "offset",
		}
		fc.Append(offset)
	}
	return fc
}

// SaveMarkerResiduals writes the marker residual collection to path.
func SaveMarkerResiduals(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	data, err := MarkerResidualCollection(snap).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling marker residuals: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing marker residuals: %w", err)
	}
	return nil
}
