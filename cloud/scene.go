package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ScenePoint is a tie point together with the precomputed per-point metrics
// the reconstruction engine reports for it.
type ScenePoint struct {
	TiePoint
	Uncertainty float64 `json:"uncertainty"`
	Accuracy    float64 `json:"accuracy"`
}

// Scene is the on-disk form of a chunk for the in-memory engine.
type Scene struct {
	Label            string               `json:"label"`
	TiePointAccuracy float64              `json:"tiePointAccuracy"`
	Frame            Frame                `json:"frame"`
	Cameras          []Camera             `json:"cameras"`
	Projections      map[int][]Projection `json:"projections"`
	Points           []ScenePoint         `json:"points"`
	Markers          []Marker             `json:"markers,omitempty"`
	ScaleBars        []ScaleBar           `json:"scaleBars,omitempty"`
	Meta             map[string]string    `json:"meta,omitempty"`
}

// LoadScene reads a scene document.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene file: %w", err)
	}

	scene, err := ParseScene(data)
	if err != nil {
		return nil, fmt.Errorf("parsing scene file: %w", err)
	}
	return scene, nil
}

// ParseScene decodes a scene document and fills in the defaults of fields
// the exporter may leave out.
func ParseScene(data []byte) (*Scene, error) {
	var scene Scene
	if err := json.Unmarshal(data, &scene); err != nil {
		return nil, err
	}
	if scene.Frame.Transform.Scale == 0 {
		scene.Frame.Transform = IdentityTransform()
	}
	if scene.Frame.CRS.Kind == "" {
		scene.Frame.CRS = LocalCRS
	}
	if scene.TiePointAccuracy <= 0 {
		scene.TiePointAccuracy = 1
	}
	return &scene, nil
}

// SaveScene writes a scene document, creating its directory if needed.
func SaveScene(path string, scene *Scene) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating scene directory: %w", err)
	}

	data, err := json.MarshalIndent(scene, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling scene: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing scene file: %w", err)
	}
	return nil
}
