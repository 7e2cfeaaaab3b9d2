package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kwv/sparseclean/cloud"
)

// resultSource is what the HTTP server reads results from.
type resultSource interface {
	Chunk() string
	StepResults() map[int]*cloud.RunResult
}

// orderedResults returns the results of a chunk in step order.
func orderedResults(src resultSource) []*cloud.RunResult {
	results := src.StepResults()
	out := make([]*cloud.RunResult, 0, len(results))
	for _, c := range cloud.Criteria {
		if r, ok := results[c.StepIndex()]; ok && r != nil {
			out = append(out, r)
		}
	}
	return out
}

// newHTTPServer creates an HTTP server with all endpoints. history may be
// nil, in which case /history answers 404.
func newHTTPServer(src resultSource, history *cloud.HistoryStore, project string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			Chunk      string    `json:"chunk"`
			HasResults bool      `json:"hasResults"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			Chunk:      src.Chunk(),
			HasResults: len(src.StepResults()) > 0,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Step results keyed by step name
	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		results := orderedResults(src)
		byName := make(map[string]*cloud.RunResult, len(results))
		for _, res := range results {
			byName[res.Criterion.String()] = res
		}
		w.Header().Set("Content-Type", "application/json")
		payload := struct {
			Chunk   string                      `json:"chunk"`
			Results map[string]*cloud.RunResult `json:"results"`
		}{src.Chunk(), byName}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("Error encoding results: %v", err)
		}
	})

	// Plain text report, same layout as --report
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := cloud.WriteReport(w, src.Chunk(), src.StepResults()); err != nil {
			log.Printf("Error writing report: %v", err)
		}
	})

	// Convergence chart
	mux.HandleFunc("/chart.svg", func(w http.ResponseWriter, r *http.Request) {
		results := orderedResults(src)
		if len(results) == 0 {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := cloud.NewChartRenderer(results).RenderToSVG(w); err != nil {
			log.Printf("Error rendering chart: %v", err)
		}
	})

	// Summary card
	mux.HandleFunc("/summary.png", func(w http.ResponseWriter, r *http.Request) {
		results := orderedResults(src)
		if len(results) == 0 {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := cloud.WriteSummaryCard(w, src.Chunk(), results); err != nil {
			log.Printf("Error encoding PNG: %v", err)
		}
	})

	// Every recorded run of the chunk, newest first
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			http.Error(w, "History disabled", http.StatusNotFound)
			return
		}
		records, err := history.ListByChunk(project, src.Chunk())
		if err != nil {
			log.Printf("[HTTP] /history: %v", err)
			http.Error(w, "Failed to read history", http.StatusInternalServerError)
			return
		}
		type entry struct {
			RunID     string           `json:"runId"`
			Session   string           `json:"session"`
			CreatedAt time.Time        `json:"createdAt"`
			Result    *cloud.RunResult `json:"result"`
		}
		out := make([]entry, 0, len(records))
		for _, rec := range records {
			out = append(out, entry{rec.RunID, rec.Session, time.Unix(0, rec.CreatedAt).UTC(), rec.Result})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Printf("Error encoding history: %v", err)
		}
	})

	return mux
}
