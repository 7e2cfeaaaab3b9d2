package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FilterCriterion selects the per-point error metric a cleaning step ranks
// tie points by, and which threshold search variant runs.
type FilterCriterion int

const (
	CriterionUnknown FilterCriterion = iota
	ReconstructionUncertainty
	ProjectionAccuracy
	ReprojectionError
	// ReprojectionErrorRMSE ranks points by reprojection error but iterates
	// until the global RMS reaches the target instead of a per-point level.
	ReprojectionErrorRMSE
)

// Criteria lists the cleaning steps in their canonical execution order.
var Criteria = []FilterCriterion{
	ReconstructionUncertainty,
	ProjectionAccuracy,
	ReprojectionError,
	ReprojectionErrorRMSE,
}

var criterionNames = map[FilterCriterion]string{
	ReconstructionUncertainty: "reconstruction_uncertainty",
	ProjectionAccuracy:        "projection_accuracy",
	ReprojectionError:         "reprojection_error",
	ReprojectionErrorRMSE:     "reprojection_error_rmse",
}

var criterionLabels = map[FilterCriterion]string{
	ReconstructionUncertainty: "Reconstruction Uncertainty",
	ProjectionAccuracy:        "Projection Accuracy",
	ReprojectionError:         "Reprojection Error",
	ReprojectionErrorRMSE:     "Reprojection Error (RMSE Minimization)",
}

// String returns the configuration name of the criterion.
func (c FilterCriterion) String() string {
	if name, ok := criterionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("criterion(%d)", int(c))
}

// Label returns the human readable step title.
func (c FilterCriterion) Label() string {
	if label, ok := criterionLabels[c]; ok {
		return label
	}
	return c.String()
}

// Valid reports whether c is one of the four known criteria.
func (c FilterCriterion) Valid() bool {
	_, ok := criterionNames[c]
	return ok
}

// StepIndex returns the zero-based position of the step ("Step 1" is 0).
// Session documents key their per-step records by this index.
func (c FilterCriterion) StepIndex() int {
	return int(c) - 1
}

// CriterionFromStepIndex is the inverse of StepIndex.
func CriterionFromStepIndex(i int) (FilterCriterion, bool) {
	c := FilterCriterion(i + 1)
	return c, c.Valid()
}

// UsesRMSETarget reports whether the step runs the RMSE-target search.
func (c FilterCriterion) UsesRMSETarget() bool {
	return c == ReprojectionErrorRMSE
}

// Metric returns the criterion whose per-point values the engine reports.
// The RMSE step ranks by plain reprojection error.
func (c FilterCriterion) Metric() FilterCriterion {
	if c == ReprojectionErrorRMSE {
		return ReprojectionError
	}
	return c
}

// ThresholdResolution is the fixed-point step applied to target thresholds
// entered for this criterion. Uncertainty and accuracy are whole numbers,
// reprojection errors are hundredths of a pixel.
func (c FilterCriterion) ThresholdResolution() float64 {
	switch c {
	case ReprojectionError, ReprojectionErrorRMSE:
		return 0.01
	default:
		return 1
	}
}

// ParseCriterion accepts either the configuration name or the label.
func ParseCriterion(s string) (FilterCriterion, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for c, name := range criterionNames {
		if needle == name || needle == strings.ToLower(criterionLabels[c]) {
			return c, nil
		}
	}
	return CriterionUnknown, fmt.Errorf("unknown filter criterion %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c FilterCriterion) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", c)
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *FilterCriterion) UnmarshalText(text []byte) error {
	parsed, err := ParseCriterion(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// FitFlag is one camera parameter toggle passed to the optimizer.
type FitFlag uint16

const (
	FitF FitFlag = 1 << iota
	FitCxCy
	FitK1
	FitK2
	FitK3
	FitK4
	FitP1
	FitP2
	FitB1
	FitB2
	AdaptiveFitting
	EstimateCovariance
	FitCorrections
)

// fitFlagOrder is the display order used by the run banner and encodings.
var fitFlagOrder = []FitFlag{
	FitF, FitCxCy, FitK1, FitK2, FitK3, FitK4, FitP1, FitP2, FitB1, FitB2,
	AdaptiveFitting, EstimateCovariance, FitCorrections,
}

var fitFlagNames = map[FitFlag]string{
	FitF:               "f",
	FitCxCy:            "cxcy",
	FitK1:              "k1",
	FitK2:              "k2",
	FitK3:              "k3",
	FitK4:              "k4",
	FitP1:              "p1",
	FitP2:              "p2",
	FitB1:              "b1",
	FitB2:              "b2",
	AdaptiveFitting:    "adaptive_fitting",
	EstimateCovariance: "estimate_covariance",
	FitCorrections:     "fit_corrections",
}

// String returns the configuration name of a single flag.
func (f FitFlag) String() string {
	if name, ok := fitFlagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("fitflag(%d)", uint16(f))
}

// FitFlagSet is the set of camera parameters enabled for optimization.
type FitFlagSet uint16

// DefaultFitFlags matches the checkbox defaults of the cleaning workflow:
// f, cx/cy, k1-k3, p1, p2 and tie point covariance.
const DefaultFitFlags = FitFlagSet(FitF | FitCxCy | FitK1 | FitK2 | FitK3 | FitP1 | FitP2 | EstimateCovariance)

// NewFitFlagSet builds a set from individual flags.
func NewFitFlagSet(flags ...FitFlag) FitFlagSet {
	var s FitFlagSet
	for _, f := range flags {
		s |= FitFlagSet(f)
	}
	return s
}

// Has reports whether flag f is enabled.
func (s FitFlagSet) Has(f FitFlag) bool {
	return s&FitFlagSet(f) != 0
}

// With returns a copy of s with f enabled or disabled.
func (s FitFlagSet) With(f FitFlag, on bool) FitFlagSet {
	if on {
		return s | FitFlagSet(f)
	}
	return s &^ FitFlagSet(f)
}

// Names lists the enabled flags in display order.
func (s FitFlagSet) Names() []string {
	names := make([]string, 0, len(fitFlagOrder))
	for _, f := range fitFlagOrder {
		if s.Has(f) {
			names = append(names, f.String())
		}
	}
	return names
}

// ParseFitFlags converts flag names into a set.
func ParseFitFlags(names []string) (FitFlagSet, error) {
	var s FitFlagSet
	for _, name := range names {
		found := false
		needle := strings.ToLower(strings.TrimSpace(name))
		for f, n := range fitFlagNames {
			if n == needle {
				s |= FitFlagSet(f)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown fit flag %q", name)
		}
	}
	return s, nil
}

// MarshalJSON encodes the set as a list of enabled flag names.
func (s FitFlagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a list of flag names.
func (s *FitFlagSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseFitFlags(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the set as a list of enabled flag names.
func (s FitFlagSet) MarshalYAML() (interface{}, error) {
	return s.Names(), nil
}

// UnmarshalYAML decodes a list of flag names.
func (s *FitFlagSet) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	parsed, err := ParseFitFlags(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ErrInvalidConfiguration is wrapped by every step configuration rejection.
var ErrInvalidConfiguration = errors.New("invalid step configuration")

// ConfigError names the offending field of a rejected configuration.
type ConfigError struct {
	Criterion FilterCriterion
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Criterion, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// StepConfiguration holds the parameters of one cleaning step.
type StepConfiguration struct {
	Criterion        FilterCriterion `yaml:"criterion" json:"criterion"`
	TargetPercent    float64         `yaml:"targetPercent" json:"target_percent"`
	TargetThreshold  float64         `yaml:"targetThreshold" json:"target_threshold"`
	MaxIterations    int             `yaml:"maxIterations" json:"num_iterations"`
	TiePointAccuracy float64         `yaml:"tiePointAccuracy" json:"tiepoint_accuracy"`
	Fit              FitFlagSet      `yaml:"fit" json:"fit"`
}

// DefaultStepConfiguration returns the stock settings for a criterion.
func DefaultStepConfiguration(c FilterCriterion, tiePointAccuracy float64) StepConfiguration {
	cfg := StepConfiguration{
		Criterion:        c,
		TiePointAccuracy: tiePointAccuracy,
		Fit:              DefaultFitFlags,
	}
	switch c {
	case ReconstructionUncertainty:
		cfg.TargetPercent, cfg.TargetThreshold, cfg.MaxIterations = 50, 10, 1
	case ProjectionAccuracy:
		cfg.TargetPercent, cfg.TargetThreshold, cfg.MaxIterations = 50, 3, 1
	case ReprojectionError:
		cfg.TargetPercent, cfg.TargetThreshold, cfg.MaxIterations = 10, 0.3, 200
	case ReprojectionErrorRMSE:
		cfg.TargetPercent, cfg.TargetThreshold, cfg.MaxIterations = 10, 0.18, 200
	}
	return cfg
}

// Validate rejects out-of-range values before any reconstruction state is
// touched.
func (s StepConfiguration) Validate() error {
	fail := func(field, reason string) error {
		return &ConfigError{Criterion: s.Criterion, Field: field, Reason: reason}
	}
	if !s.Criterion.Valid() {
		return fail("criterion", "is not a known filter criterion")
	}
	if math.IsNaN(s.TargetPercent) || s.TargetPercent < 0 || s.TargetPercent > 100 {
		return fail("target_percent", fmt.Sprintf("must be within [0, 100], got %v", s.TargetPercent))
	}
	if math.IsNaN(s.TargetThreshold) || math.IsInf(s.TargetThreshold, 0) || s.TargetThreshold < 0 {
		return fail("target_threshold", fmt.Sprintf("must be a finite non-negative number, got %v", s.TargetThreshold))
	}
	if s.MaxIterations < 1 {
		return fail("max_iterations", fmt.Sprintf("must be at least 1, got %d", s.MaxIterations))
	}
	if math.IsNaN(s.TiePointAccuracy) || math.IsInf(s.TiePointAccuracy, 0) || s.TiePointAccuracy <= 0 {
		return fail("tiepoint_accuracy", fmt.Sprintf("must be a positive number of pixels, got %v", s.TiePointAccuracy))
	}
	return nil
}

// Quantized returns a copy with the target threshold snapped to the
// criterion's fixed-point resolution.
func (s StepConfiguration) Quantized() StepConfiguration {
	res := s.Criterion.ThresholdResolution()
	s.TargetThreshold = math.Round(s.TargetThreshold/res) * res
	return s
}

// Optional is a statistic that may be unavailable because no sample
// qualified. It encodes as JSON null when unavailable.
type Optional struct {
	Value float64
	Valid bool
}

// Some wraps an available value.
func Some(v float64) Optional { return Optional{Value: v, Valid: true} }

// None is the unavailable statistic.
var None = Optional{}

// MarshalJSON implements json.Marshaler.
func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Optional) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = None
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Change is a before/after pair of an optional statistic.
type Change struct {
	Before Optional `json:"before"`
	After  Optional `json:"after"`
}

// Available reports whether both sides carry a value.
func (c Change) Available() bool {
	return c.Before.Valid && c.After.Valid
}

// CountChange is a before/after pair of counts.
type CountChange struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

// Statistics is one measurement of the reconstruction's quality.
type Statistics struct {
	Points            int      `json:"points"`
	RMS               Optional `json:"rms"`
	SEUW              Optional `json:"seuw"`
	CameraError       Optional `json:"camera_error"`
	ControlPointError Optional `json:"control_point_error"`
	CheckPointError   Optional `json:"check_point_error"`
	ControlScaleError Optional `json:"control_scale_error"`
	CheckScaleError   Optional `json:"check_scale_error"`
	LowProjection     int      `json:"low_projection"`
}

// IterationSnapshot records one pass of the convergence loop.
type IterationSnapshot struct {
	Iteration        int      `json:"iteration"`
	PointsBefore     int      `json:"points_before"`
	PointsAfter      int      `json:"points_after"`
	Threshold        Optional `json:"threshold"`
	DistributionSize int      `json:"distribution_size"`
	Median           Optional `json:"median"`
	Removed          int      `json:"removed"`
	AboveTarget      int      `json:"above_target"`
	RMS              Optional `json:"rms"`
}

// RunStatus is the terminal state of a cleaning step.
type RunStatus string

const (
	StatusRunning             RunStatus = "running"
	StatusConverged           RunStatus = "converged"
	StatusExhaustedIterations RunStatus = "exhausted_iterations"
)

// RunResult is the immutable outcome of one cleaning step.
type RunResult struct {
	ID                string              `json:"id"`
	Criterion         FilterCriterion     `json:"criterion"`
	Status            RunStatus           `json:"status"`
	Converged         bool                `json:"converged"`
	Iterations        int                 `json:"iterations"`
	Points            CountChange         `json:"points"`
	RMS               Change              `json:"rms"`
	SEUW              Change              `json:"seuw"`
	CameraError       Change              `json:"camera_error"`
	ControlPointError Change              `json:"control_point_error"`
	CheckPointError   Change              `json:"check_point_error"`
	ControlScaleError Change              `json:"control_scale_error"`
	CheckScaleError   Change              `json:"check_scale_error"`
	LowProjection     CountChange         `json:"low_projection"`
	Threshold         Change              `json:"threshold"`
	InitialAbove      int                 `json:"initial_above_target"`
	Differences       []int               `json:"differences,omitempty"`
	ReversalCount     int                 `json:"reversal_count"`
	ReversalPoints    int                 `json:"reversal_points"`
	History           []IterationSnapshot `json:"history,omitempty"`
	StartedAt         time.Time           `json:"started_at"`
	CompletedAt       time.Time           `json:"completed_at"`
}

// RemainingPercent is the share of the initial tie points still valid.
func (r *RunResult) RemainingPercent() float64 {
	if r.Points.Before == 0 {
		return 0
	}
	return float64(r.Points.After) / float64(r.Points.Before) * 100
}

// Series returns the per-iteration trace that best describes progress: the
// above-target counts for percentile steps and the RMS for the RMSE step.
func (r *RunResult) Series() []float64 {
	out := make([]float64, 0, len(r.History))
	for _, snap := range r.History {
		if r.Criterion.UsesRMSETarget() {
			if snap.RMS.Valid {
				out = append(out, snap.RMS.Value)
			}
			continue
		}
		out = append(out, float64(snap.AboveTarget))
	}
	return out
}

// Reversals computes the successive differences of the above-target history.
// An iteration whose count did not strictly decrease is a reversal; the
// cumulative sum of those non-negative differences is the wasted work.
func Reversals(history []int) (differences []int, count, points int) {
	if len(history) < 2 {
		return nil, 0, 0
	}
	differences = make([]int, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		d := history[i] - history[i-1]
		differences = append(differences, d)
		if d >= 0 {
			count++
			points += d
		}
	}
	return differences, count, points
}

// sortedKeys returns the integer keys of a map in ascending order.
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
