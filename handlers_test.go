package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/sparseclean/cloud"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type staticSource struct {
	chunk   string
	results map[int]*cloud.RunResult
}

func (s *staticSource) Chunk() string                         { return s.chunk }
func (s *staticSource) StepResults() map[int]*cloud.RunResult { return s.results }

func emptySource() *staticSource {
	return &staticSource{chunk: "Chunk 1", results: map[int]*cloud.RunResult{}}
}

// populatedSource holds a converged reprojection step and an exhausted RMSE
// step, stored out of step order.
func populatedSource() *staticSource {
	rmse := &cloud.RunResult{
		Criterion:  cloud.ReprojectionErrorRMSE,
		Status:     cloud.StatusExhaustedIterations,
		Iterations: 2,
		Points:     cloud.CountChange{Before: 900, After: 810},
		RMS:        cloud.Change{Before: cloud.Some(0.4), After: cloud.Some(0.3)},
		History: []cloud.IterationSnapshot{
			{Iteration: 1, RMS: cloud.Some(0.35)},
			{Iteration: 2, RMS: cloud.Some(0.3)},
		},
	}
	reproj := &cloud.RunResult{
		Criterion:  cloud.ReprojectionError,
		Status:     cloud.StatusConverged,
		Converged:  true,
		Iterations: 3,
		Points:     cloud.CountChange{Before: 1000, After: 900},
		RMS:        cloud.Change{Before: cloud.Some(0.5), After: cloud.Some(0.4)},
		History: []cloud.IterationSnapshot{
			{Iteration: 1, AboveTarget: 80},
			{Iteration: 2, AboveTarget: 30},
			{Iteration: 3, AboveTarget: 5},
		},
	}
	return &staticSource{
		chunk: "Chunk 1",
		results: map[int]*cloud.RunResult{
			cloud.ReprojectionErrorRMSE.StepIndex(): rmse,
			cloud.ReprojectionError.StepIndex():     reproj,
		},
	}
}

func serve(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// orderedResults
// ---------------------------------------------------------------------------

func TestOrderedResults_StepOrder(t *testing.T) {
	got := orderedResults(populatedSource())
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Criterion != cloud.ReprojectionError || got[1].Criterion != cloud.ReprojectionErrorRMSE {
		t.Errorf("results out of step order: %s, %s", got[0].Criterion, got[1].Criterion)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /health
// ---------------------------------------------------------------------------

func TestHealth_NoResults(t *testing.T) {
	w := serve(newHTTPServer(emptySource(), nil, "proj"), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status     string `json:"status"`
		Chunk      string `json:"chunk"`
		HasResults bool   `json:"hasResults"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Chunk != "Chunk 1" {
		t.Errorf("chunk = %q, want %q", body.Chunk, "Chunk 1")
	}
	if body.HasResults {
		t.Error("hasResults = true, want false when nothing has run")
	}
}

func TestHealth_WithResults(t *testing.T) {
	w := serve(newHTTPServer(populatedSource(), nil, "proj"), "/health")

	var body struct {
		HasResults bool `json:"hasResults"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if !body.HasResults {
		t.Error("hasResults = false, want true")
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- results and report
// ---------------------------------------------------------------------------

func TestResults_KeyedByStepName(t *testing.T) {
	w := serve(newHTTPServer(populatedSource(), nil, "proj"), "/results")
	if w.Code != http.StatusOK {
		t.Fatalf("/results status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body struct {
		Chunk   string                      `json:"chunk"`
		Results map[string]*cloud.RunResult `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, ok := body.Results["reprojection_error"]
	if !ok {
		t.Fatalf("missing reprojection_error in %v", body.Results)
	}
	if res.Status != cloud.StatusConverged || res.Points.After != 900 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := body.Results["reprojection_error_rmse"]; !ok {
		t.Error("missing reprojection_error_rmse")
	}
}

func TestReport_ListsAllSteps(t *testing.T) {
	w := serve(newHTTPServer(populatedSource(), nil, "proj"), "/report")
	body := w.Body.String()
	for _, want := range []string{
		"Chunk: Chunk 1",
		"Step 1: Reconstruction Uncertainty (not run)",
		"Step 3: Reprojection Error [converged]",
		"Step 4: Reprojection Error (RMSE Minimization) [exhausted_iterations]",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("report missing %q:\n%s", want, body)
		}
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- images
// ---------------------------------------------------------------------------

func TestImageEndpoints_NoResults_503(t *testing.T) {
	handler := newHTTPServer(emptySource(), nil, "proj")
	for _, ep := range []string{"/chart.svg", "/summary.png"} {
		t.Run(ep, func(t *testing.T) {
			w := serve(handler, ep)
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s status = %d, want %d", ep, w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

func TestChartSVG_WithResults(t *testing.T) {
	w := serve(newHTTPServer(populatedSource(), nil, "proj"), "/chart.svg")
	if w.Code != http.StatusOK {
		t.Fatalf("/chart.svg status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("response is not an SVG document")
	}
}

func TestSummaryPNG_WithResults(t *testing.T) {
	w := serve(newHTTPServer(populatedSource(), nil, "proj"), "/summary.png")
	if w.Code != http.StatusOK {
		t.Fatalf("/summary.png status = %d", w.Code)
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("decode PNG: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Error("empty summary card")
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- history
// ---------------------------------------------------------------------------

func TestHistory_Disabled_404(t *testing.T) {
	w := serve(newHTTPServer(emptySource(), nil, "proj"), "/history")
	if w.Code != http.StatusNotFound {
		t.Errorf("/history status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHistory_ListsRuns(t *testing.T) {
	store, err := cloud.OpenHistoryStore(":memory:")
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	src := populatedSource()
	for _, r := range src.results {
		rec := &cloud.HistoryRecord{Project: "proj", Chunk: src.chunk, Session: "proj_s", Result: r}
		if err := store.Insert(rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// A run of another chunk must not show up.
	other := &cloud.HistoryRecord{Project: "proj", Chunk: "Chunk 2", Result: &cloud.RunResult{Criterion: cloud.ProjectionAccuracy}}
	if err := store.Insert(other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := serve(newHTTPServer(src, store, "proj"), "/history")
	if w.Code != http.StatusOK {
		t.Fatalf("/history status = %d", w.Code)
	}
	var body []struct {
		RunID   string           `json:"runId"`
		Session string           `json:"session"`
		Result  *cloud.RunResult `json:"result"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("got %d runs, want 2", len(body))
	}
	for _, e := range body {
		if e.RunID == "" || e.Session != "proj_s" || e.Result == nil {
			t.Errorf("incomplete history entry %+v", e)
		}
	}
}
