package cloud

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_DefaultSteps(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "project: survey\nscene: scene.json\n"))
	require.NoError(t, err)

	assert.Equal(t, "survey", cfg.Project)
	require.Len(t, cfg.Steps, 4)
	for i, c := range Criteria {
		assert.Equal(t, c, cfg.Steps[i].Criterion)
		assert.True(t, cfg.Steps[i].Enabled)
	}
	rmse, ok := cfg.Step(ReprojectionErrorRMSE)
	require.True(t, ok)
	assert.InDelta(t, 0.18, rmse.TargetThreshold, 1e-12)
	assert.Equal(t, 200, rmse.MaxIterations)
}

func TestLoadConfig_PartialStepKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `project: survey
steps:
  - criterion: reprojection_error
    targetThreshold: 0.456
    fit: [f, k1]
  - criterion: Projection Accuracy
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 2)

	re := cfg.Steps[0]
	assert.Equal(t, ReprojectionError, re.Criterion)
	assert.InDelta(t, 10, re.TargetPercent, 1e-12, "untouched field keeps the default")
	assert.Equal(t, 200, re.MaxIterations)
	assert.InDelta(t, 0.46, re.TargetThreshold, 1e-9, "threshold is quantized to hundredths")
	assert.Equal(t, NewFitFlagSet(FitF, FitK1), re.Fit)
	assert.True(t, re.Enabled)

	pa := cfg.Steps[1]
	assert.Equal(t, ProjectionAccuracy, pa.Criterion)
	assert.False(t, pa.Enabled)
	assert.Equal(t, DefaultFitFlags, pa.Fit)

	_, ok := cfg.Step(ReconstructionUncertainty)
	assert.False(t, ok)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing project", "scene: s.json\n", "project is required"},
		{"missing criterion", "project: p\nsteps:\n  - targetPercent: 5\n", "criterion is required"},
		{"unknown criterion", "project: p\nsteps:\n  - criterion: sharpness\n", "unknown filter criterion"},
		{"duplicate", "project: p\nsteps:\n  - criterion: reprojection_error\n  - criterion: reprojection_error\n", "duplicate criterion"},
		{"invalid percent", "project: p\nsteps:\n  - criterion: reprojection_error\n    targetPercent: 150\n", "target_percent"},
		{"small negative threshold", "project: p\nsteps:\n  - criterion: reconstruction_uncertainty\n    targetThreshold: -0.4\n", "target_threshold"},
		{"small negative pixels", "project: p\nsteps:\n  - criterion: reprojection_error\n    targetThreshold: -0.004\n", "target_threshold"},
		{"unknown fit flag", "project: p\nsteps:\n  - criterion: reprojection_error\n    fit: [k9]\n", "unknown fit flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &Config{
		Project: "survey",
		Scene:   "scene.json",
		MQTT:    MQTTConfig{Broker: "tcp://localhost:1883"},
		Steps:   DefaultSteps(),
	}
	cfg.Steps[2].Fit = NewFitFlagSet(FitF, AdaptiveFitting)
	cfg.Steps[3].Enabled = false
	for i := range cfg.Steps {
		cfg.Steps[i].StepConfiguration = cfg.Steps[i].Quantized()
	}

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_Plan(t *testing.T) {
	cfg := &Config{Project: "p", Steps: DefaultSteps()}
	cfg.Steps[1].Enabled = false

	plan := cfg.Plan()
	require.Len(t, plan, 4)
	assert.Equal(t, ProjectionAccuracy, plan[1].Criterion)
	assert.False(t, plan[1].Enabled)
	assert.Equal(t, cfg.Steps[3].StepConfiguration, plan[3].Config)
}

func TestConfig_ApplySettings(t *testing.T) {
	cfg := &Config{Project: "p", Steps: DefaultSteps()}
	cfg.Steps[0].Enabled = false

	restored := DefaultStepConfiguration(ReprojectionError, 0.5)
	restored.TargetThreshold = 0.25
	restored.Criterion = CriterionUnknown
	cfg.ApplySettings(map[int]StepConfiguration{
		ReprojectionError.StepIndex(): restored,
	})

	re, _ := cfg.Step(ReprojectionError)
	assert.Equal(t, ReprojectionError, re.Criterion)
	assert.InDelta(t, 0.25, re.TargetThreshold, 1e-12)
	assert.InDelta(t, 0.5, re.TiePointAccuracy, 1e-12)

	ru, _ := cfg.Step(ReconstructionUncertainty)
	assert.False(t, ru.Enabled, "enabled flags are untouched")
	assert.InDelta(t, 10, ru.TargetThreshold, 1e-12)
}
