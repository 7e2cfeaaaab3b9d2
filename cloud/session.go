package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SessionTimeLayout is the timestamp part of a session file name.
const SessionTimeLayout = "2006-01-02_15-04-05"

// ChunkMemory is what a session remembers about one chunk: the settings of
// every step and the latest result of every step, both keyed by step index.
type ChunkMemory struct {
	TabSettings map[int]StepConfiguration `json:"tab_settings"`
	TreeResults map[int]*RunResult        `json:"tree_results"`
}

// NewChunkMemory returns a chunk entry holding the default settings for all
// four steps and no results.
func NewChunkMemory(tiePointAccuracy float64) *ChunkMemory {
	cm := &ChunkMemory{
		TabSettings: make(map[int]StepConfiguration, len(Criteria)),
		TreeResults: make(map[int]*RunResult),
	}
	for _, c := range Criteria {
		cm.TabSettings[c.StepIndex()] = DefaultStepConfiguration(c, tiePointAccuracy)
	}
	return cm
}

// Record stores a finished step and the settings it ran with.
func (cm *ChunkMemory) Record(cfg StepConfiguration, r *RunResult) {
	cm.TabSettings[r.Criterion.StepIndex()] = cfg
	cm.TreeResults[r.Criterion.StepIndex()] = r
}

// UnmarshalJSON accepts both the typed layout and documents written by the
// original plugin, where settings carry "Fit f"-style keys and results are
// display strings such as "1200       ---> 950".
func (cm *ChunkMemory) UnmarshalJSON(data []byte) error {
	var envelope struct {
		TabSettings map[int]json.RawMessage `json:"tab_settings"`
		TreeResults map[int]json.RawMessage `json:"tree_results"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	cm.TabSettings = make(map[int]StepConfiguration, len(envelope.TabSettings))
	cm.TreeResults = make(map[int]*RunResult, len(envelope.TreeResults))

	for idx, raw := range envelope.TabSettings {
		criterion, ok := CriterionFromStepIndex(idx)
		if !ok {
			return fmt.Errorf("tab_settings: unknown step index %d", idx)
		}
		cfg, err := decodeSettings(criterion, raw)
		if err != nil {
			return fmt.Errorf("tab_settings[%d]: %w", idx, err)
		}
		cm.TabSettings[idx] = cfg
	}

	for idx, raw := range envelope.TreeResults {
		criterion, ok := CriterionFromStepIndex(idx)
		if !ok {
			return fmt.Errorf("tree_results: unknown step index %d", idx)
		}
		r, err := decodeResult(criterion, raw)
		if err != nil {
			return fmt.Errorf("tree_results[%d]: %w", idx, err)
		}
		if r != nil {
			cm.TreeResults[idx] = r
		}
	}
	return nil
}

// legacyFitKeys maps the plugin's checkbox labels to fit flags.
var legacyFitKeys = map[string]FitFlag{
	"Fit f":                         FitF,
	"Fit cx, cy":                    FitCxCy,
	"Fit k1":                        FitK1,
	"Fit k2":                        FitK2,
	"Fit k3":                        FitK3,
	"Fit k4":                        FitK4,
	"Fit p1":                        FitP1,
	"Fit p2":                        FitP2,
	"Fit b1":                        FitB1,
	"Fit b2":                        FitB2,
	"Adaptive camera model fitting": AdaptiveFitting,
	"Estimate tie point covariance": EstimateCovariance,
	"Fit additional corrections":    FitCorrections,
}

func decodeSettings(criterion FilterCriterion, raw json.RawMessage) (StepConfiguration, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return StepConfiguration{}, err
	}
	if _, typed := keys["fit"]; typed {
		var cfg StepConfiguration
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return StepConfiguration{}, err
		}
		cfg.Criterion = criterion
		return cfg, nil
	}

	// Legacy: numeric fields share names, fit flags are separate booleans.
	var legacy struct {
		TargetPercent    float64 `json:"target_percent"`
		TargetThreshold  float64 `json:"target_threshold"`
		MaxIterations    int     `json:"num_iterations"`
		TiePointAccuracy float64 `json:"tiepoint_accuracy"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return StepConfiguration{}, err
	}
	cfg := StepConfiguration{
		Criterion:        criterion,
		TargetPercent:    legacy.TargetPercent,
		TargetThreshold:  legacy.TargetThreshold,
		MaxIterations:    legacy.MaxIterations,
		TiePointAccuracy: legacy.TiePointAccuracy,
	}
	for key, flag := range legacyFitKeys {
		v, ok := keys[key]
		if !ok {
			continue
		}
		var on bool
		if err := json.Unmarshal(v, &on); err != nil {
			return StepConfiguration{}, fmt.Errorf("%q: %w", key, err)
		}
		cfg.Fit = cfg.Fit.With(flag, on)
	}
	return cfg, nil
}

// legacyTreeFields are the report labels a plugin-written tree may carry.
var legacyTreeFields = []string{
	FieldIterations, FieldPoints, FieldRMSE, FieldSEUW, FieldCameraError,
	FieldControlScale, FieldCheckScale, FieldControlPoint, FieldCheckPoint,
	FieldLevel, FieldLowProjection, FieldReversals,
}

func isLegacyTree(keys map[string]json.RawMessage) bool {
	for _, label := range legacyTreeFields {
		if _, ok := keys[label]; ok {
			return true
		}
	}
	return false
}

func decodeResult(criterion FilterCriterion, raw json.RawMessage) (*RunResult, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	if !isLegacyTree(keys) {
		if _, typed := keys["status"]; !typed {
			return nil, fmt.Errorf("result has neither a status nor report fields")
		}
		var r RunResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		r.Criterion = criterion
		return &r, nil
	}

	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return parseLegacyTree(criterion, fields)
}

// parseArrow splits "before ---> after (unit)" into its two numbers.
func parseArrow(s string) (before, after float64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false, nil
	}
	parts := strings.Fields(strings.NewReplacer("--->", " ", "(", " ", ")", " ").Replace(s))
	if len(parts) < 2 {
		return 0, 0, false, fmt.Errorf("malformed value %q", s)
	}
	if before, err = strconv.ParseFloat(strings.TrimSuffix(parts[0], "."), 64); err != nil {
		return 0, 0, false, fmt.Errorf("malformed value %q: %w", s, err)
	}
	if after, err = strconv.ParseFloat(strings.TrimSuffix(parts[1], "."), 64); err != nil {
		return 0, 0, false, fmt.Errorf("malformed value %q: %w", s, err)
	}
	return before, after, true, nil
}

// parseLegacyTree converts the plugin's display strings into a result.
// A tree whose iteration count is empty was never run and yields nil.
func parseLegacyTree(criterion FilterCriterion, fields map[string]string) (*RunResult, error) {
	iterText := strings.TrimSpace(fields[FieldIterations])
	if iterText == "" {
		return nil, nil
	}
	iterations, err := strconv.Atoi(iterText)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FieldIterations, err)
	}
	r := &RunResult{Criterion: criterion, Iterations: iterations}

	change := func(field string, dst *Change) error {
		b, a, ok, err := parseArrow(fields[field])
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if ok {
			*dst = Change{Before: Some(b), After: Some(a)}
		}
		return nil
	}
	count := func(field string, dst *CountChange) error {
		b, a, ok, err := parseArrow(fields[field])
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if ok {
			*dst = CountChange{Before: int(b), After: int(a)}
		}
		return nil
	}

	steps := []error{
		count(FieldPoints, &r.Points),
		change(FieldRMSE, &r.RMS),
		change(FieldSEUW, &r.SEUW),
		change(FieldCameraError, &r.CameraError),
		change(FieldControlScale, &r.ControlScaleError),
		change(FieldCheckScale, &r.CheckScaleError),
		change(FieldControlPoint, &r.ControlPointError),
		change(FieldCheckPoint, &r.CheckPointError),
		change(FieldLevel, &r.Threshold),
		count(FieldLowProjection, &r.LowProjection),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}

	if rev := strings.TrimSpace(fields[FieldReversals]); rev != "" {
		if _, err := fmt.Sscanf(rev, "%d / %d", &r.ReversalCount, &r.ReversalPoints); err != nil {
			return nil, fmt.Errorf("%s: malformed value %q", FieldReversals, rev)
		}
	}
	return r, nil
}

// Session is one session document: chunk label to chunk memory.
type Session struct {
	Name   string
	Chunks map[string]*ChunkMemory
}

// NewSession creates an empty session.
func NewSession(name string) *Session {
	return &Session{Name: name, Chunks: make(map[string]*ChunkMemory)}
}

// Chunk returns the memory of a chunk, creating it with default settings.
func (s *Session) Chunk(label string, tiePointAccuracy float64) *ChunkMemory {
	cm, ok := s.Chunks[label]
	if !ok {
		cm = NewChunkMemory(tiePointAccuracy)
		s.Chunks[label] = cm
	}
	return cm
}

// Lookup returns the memory of a chunk without creating it.
func (s *Session) Lookup(label string) (*ChunkMemory, bool) {
	cm, ok := s.Chunks[label]
	return cm, ok
}

// MarshalJSON writes the chunk map as the whole document.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Chunks)
}

// UnmarshalJSON reads a document written by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	chunks := make(map[string]*ChunkMemory)
	if err := json.Unmarshal(data, &chunks); err != nil {
		return err
	}
	s.Chunks = chunks
	return nil
}

// NewSessionName builds "<project>_<date>_<time>".
func NewSessionName(project string, t time.Time) string {
	return project + "_" + t.Format(SessionTimeLayout)
}

// SessionPath is the file a named session is stored in.
func SessionPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// SessionInfo describes a session file on disk.
type SessionInfo struct {
	Name    string
	Path    string
	Created time.Time
}

// ListSessions returns the sessions of a project in dir, newest first.
// Files whose names do not carry a timestamp are ignored.
func ListSessions(dir, project string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var sessions []SessionInfo
	prefix := project + "_"
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		created, err := time.ParseInLocation(SessionTimeLayout, strings.TrimPrefix(name, prefix), time.Local)
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{Name: name, Path: filepath.Join(dir, e.Name()), Created: created})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.After(sessions[j].Created)
	})
	return sessions, nil
}

// LatestSession returns the newest session of a project, or nil if there is
// none.
func LatestSession(dir, project string) (*SessionInfo, error) {
	sessions, err := ListSessions(dir, project)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

// LoadSession reads a session document. A missing file returns nil.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}
	s.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	Logf("[SESSION] loaded %s (%d chunks)", s.Name, len(s.Chunks))
	return &s, nil
}

// SaveSession writes a session document, creating the directory if needed.
func SaveSession(path string, s *Session) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

// Results returns the latest result of each step of a chunk.
func (cm *ChunkMemory) Results() []*RunResult {
	out := make([]*RunResult, 0, len(cm.TreeResults))
	for _, idx := range sortedKeys(cm.TreeResults) {
		out = append(out, cm.TreeResults[idx])
	}
	return out
}
