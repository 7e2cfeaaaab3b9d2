package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	order  []string
	sArg   string
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) mark(name string) error {
	m.called[name] = true
	m.order = append(m.order, name)
	return m.err
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunStep(s string) error        { m.sArg = s; return m.mark("RunStep") }
func (m *mockApp) RunAll() error                 { return m.mark("RunAll") }
func (m *mockApp) RunReport() error              { return m.mark("RunReport") }
func (m *mockApp) RunExportMarkers() error       { return m.mark("RunExportMarkers") }
func (m *mockApp) RunChart() error               { return m.mark("RunChart") }
func (m *mockApp) RunServer() error              { return m.mark("RunServer") }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "RunStep",
			args:           []string{"--run-step", "reprojection_error", "--config", "proj.yaml", "--yes"},
			expectedCalled: "RunStep",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "proj.yaml" {
					t.Errorf("expected ConfigFile proj.yaml, got %s", opts.ConfigFile)
				}
				if !opts.AssumeYes {
					t.Error("expected AssumeYes true")
				}
			},
		},
		{
			name:           "RunAll",
			args:           []string{"--run-all", "--scene", "/tmp/scene.json", "--new-session", "--save-scene", "out.json"},
			expectedCalled: "RunAll",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ScenePath != "/tmp/scene.json" {
					t.Errorf("expected ScenePath /tmp/scene.json, got %s", opts.ScenePath)
				}
				if !opts.NewSession {
					t.Error("expected NewSession true")
				}
				if opts.SaveScene != "out.json" {
					t.Errorf("expected SaveScene out.json, got %s", opts.SaveScene)
				}
			},
		},
		{
			name:           "Report",
			args:           []string{"--report", "--session", "proj_2024-05-01_10-00-00", "--session-dir", "/tmp/s", "--resume"},
			expectedCalled: "RunReport",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.SessionName != "proj_2024-05-01_10-00-00" {
					t.Errorf("unexpected SessionName %s", opts.SessionName)
				}
				if opts.SessionDir != "/tmp/s" {
					t.Errorf("unexpected SessionDir %s", opts.SessionDir)
				}
				if !opts.Resume {
					t.Error("expected Resume true")
				}
			},
		},
		{
			name:           "ExportMarkers",
			args:           []string{"--export-markers", "markers.geojson"},
			expectedCalled: "RunExportMarkers",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ExportMarkers != "markers.geojson" {
					t.Errorf("expected ExportMarkers markers.geojson, got %s", opts.ExportMarkers)
				}
			},
		},
		{
			name:           "Chart",
			args:           []string{"--chart", "chart.svg"},
			expectedCalled: "RunChart",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ChartFile != "chart.svg" {
					t.Errorf("expected ChartFile chart.svg, got %s", opts.ChartFile)
				}
			},
		},
		{
			name:           "Card",
			args:           []string{"--card", "card.png"},
			expectedCalled: "RunChart",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.CardFile != "card.png" {
					t.Errorf("expected CardFile card.png, got %s", opts.CardFile)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--http-port", "9090", "--history-db", "runs.db"},
			expectedCalled: "RunServer",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.HistoryDB != "runs.db" {
					t.Errorf("expected HistoryDB runs.db, got %s", opts.HistoryDB)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_StepArgument(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--run-step", "projection_accuracy"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if app.sArg != "projection_accuracy" {
		t.Errorf("expected step argument projection_accuracy, got %q", app.sArg)
	}
}

func TestRun_CleanThenReport(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--run-all", "--report", "--chart", "c.png"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := []string{"RunAll", "RunReport", "RunChart"}
	if strings.Join(app.order, ",") != strings.Join(want, ",") {
		t.Errorf("call order = %v, want %v", app.order, want)
	}
}

func TestRun_StepAndAllExclusive(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--run-all", "--run-step", "reprojection_error"}, &out, app)
	if err == nil {
		t.Fatal("expected error for --run-step with --run-all")
	}
	if len(app.order) != 0 {
		t.Errorf("nothing should run, got %v", app.order)
	}
}

func TestRun_ErrorStopsLaterModes(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	err := run([]string{"--run-all", "--report"}, &out, app)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
	if app.called["RunReport"] {
		t.Error("report must not run after a failed clean")
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of sparseclean") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "sparseclean version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "Nothing to do.") {
		t.Errorf("expected output to contain usage hints, got: %s", out.String())
	}
	if len(app.order) != 0 {
		t.Errorf("no mode should run, got %v", app.order)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
