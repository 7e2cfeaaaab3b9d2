package cloud

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTiePointAccuracy is the tie point accuracy in pixels used when a
// step does not set one.
const DefaultTiePointAccuracy = 1.0

// Config is the tool configuration.
type Config struct {
	Project         string      `yaml:"project" json:"project"`
	Scene           string      `yaml:"scene" json:"scene"`
	SessionDir      string      `yaml:"sessionDir,omitempty" json:"sessionDir,omitempty"`
	HistoryDB       string      `yaml:"historyDb,omitempty" json:"historyDb,omitempty"`
	ChartResolution float64     `yaml:"chartResolution,omitempty" json:"chartResolution,omitempty"` // PNG DPI (default 150)
	MQTT            MQTTConfig  `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Steps           []StepEntry `yaml:"steps" json:"steps"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// StepEntry is one configured cleaning step. Fields left out of the YAML
// keep the criterion's defaults.
type StepEntry struct {
	StepConfiguration `yaml:",inline"`
	Enabled           bool `yaml:"enabled" json:"enabled"`
}

// UnmarshalYAML decodes a step on top of the defaults for its criterion.
func (s *StepEntry) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Criterion FilterCriterion `yaml:"criterion"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	if !head.Criterion.Valid() {
		return fmt.Errorf("line %d: step criterion is required", value.Line)
	}

	type plain StepEntry
	entry := plain{
		StepConfiguration: DefaultStepConfiguration(head.Criterion, DefaultTiePointAccuracy),
		Enabled:           true,
	}
	if err := value.Decode(&entry); err != nil {
		return err
	}
	*s = StepEntry(entry)
	return nil
}

// DefaultSteps returns all four steps with stock settings, enabled, in
// execution order.
func DefaultSteps() []StepEntry {
	steps := make([]StepEntry, 0, len(Criteria))
	for _, c := range Criteria {
		steps = append(steps, StepEntry{
			StepConfiguration: DefaultStepConfiguration(c, DefaultTiePointAccuracy),
			Enabled:           true,
		})
	}
	return steps
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if config.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if len(config.Steps) == 0 {
		config.Steps = DefaultSteps()
	}

	seen := make(map[FilterCriterion]bool)
	for i, step := range config.Steps {
		if seen[step.Criterion] {
			return nil, fmt.Errorf("steps[%d]: duplicate criterion %s", i, step.Criterion)
		}
		seen[step.Criterion] = true

		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		config.Steps[i].StepConfiguration = step.Quantized()
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Step returns the configured entry for a criterion.
func (c *Config) Step(criterion FilterCriterion) (StepEntry, bool) {
	for _, s := range c.Steps {
		if s.Criterion == criterion {
			return s, true
		}
	}
	return StepEntry{}, false
}

// Plan converts the step list into a run-all plan.
func (c *Config) Plan() []PlannedStep {
	plan := make([]PlannedStep, 0, len(c.Steps))
	for _, s := range c.Steps {
		plan = append(plan, PlannedStep{
			Criterion: s.Criterion,
			Config:    s.StepConfiguration,
			Enabled:   s.Enabled,
		})
	}
	return plan
}

// ApplySettings overwrites step settings with those restored from a
// session, leaving the enabled flags untouched.
func (c *Config) ApplySettings(settings map[int]StepConfiguration) {
	for i, s := range c.Steps {
		if restored, ok := settings[s.Criterion.StepIndex()]; ok {
			restored.Criterion = s.Criterion
			c.Steps[i].StepConfiguration = restored
		}
	}
}
