package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/sparseclean/cloud"
)

// errCancelled is returned when the chunk confirmation is declined.
var errCancelled = errors.New("cancelled: chunk selection not confirmed")

// App encapsulates the application state and dependencies
type App struct {
	Config      *cloud.Config
	Recon       *cloud.MemoryReconstruction
	Controller  *cloud.Controller
	Session     *cloud.Session
	SessionPath string
	History     *cloud.HistoryStore
	MQTTClient  *cloud.MQTTClient
	Publisher   *cloud.ResultPublisher

	In  io.Reader
	Out io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	ScenePath     string
	SessionDir    string
	SessionName   string
	NewSession    bool
	Resume        bool
	ExportMarkers string
	ChartFile     string
	CardFile      string
	SaveScene     string
	HistoryDB     string
	HttpPort      int
	AssumeYes     bool

	mu       sync.RWMutex
	prepared bool
	now      func() time.Time
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		In:  os.Stdin,
		Out: os.Stdout,
		now: time.Now,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.ScenePath = opts.ScenePath
	a.SessionDir = opts.SessionDir
	a.SessionName = opts.SessionName
	a.NewSession = opts.NewSession
	a.Resume = opts.Resume
	a.ExportMarkers = opts.ExportMarkers
	a.ChartFile = opts.ChartFile
	a.CardFile = opts.CardFile
	a.SaveScene = opts.SaveScene
	a.HistoryDB = opts.HistoryDB
	a.HttpPort = opts.HttpPort
	a.AssumeYes = opts.AssumeYes
}

// loadConfig reads the configuration file. Without one, a scene given on
// the command line is enough: the project is named after the scene file and
// every step runs with its defaults.
func (a *App) loadConfig() (*cloud.Config, error) {
	if _, err := os.Stat(a.ConfigFile); err != nil && os.IsNotExist(err) && a.ScenePath != "" {
		project := strings.TrimSuffix(filepath.Base(a.ScenePath), filepath.Ext(a.ScenePath))
		log.Printf("No config at %s, using defaults for project %s", a.ConfigFile, project)
		return &cloud.Config{Project: project, Steps: cloud.DefaultSteps()}, nil
	}
	config, err := cloud.LoadConfig(a.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	return config, nil
}

// prepare loads everything a mode needs. It runs once per process.
func (a *App) prepare() error {
	if a.prepared {
		return nil
	}

	// 1. Configuration, with command line overrides
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.ScenePath != "" {
		config.Scene = a.ScenePath
	}
	if a.SessionDir != "" {
		config.SessionDir = a.SessionDir
	}
	if a.HistoryDB != "" {
		config.HistoryDB = a.HistoryDB
	}
	if config.Scene == "" {
		return fmt.Errorf("no scene configured: set scene in %s or pass --scene", a.ConfigFile)
	}
	if config.SessionDir == "" {
		config.SessionDir = "sessions"
		if !cloud.IsRemoteScene(config.Scene) {
			config.SessionDir = filepath.Join(filepath.Dir(config.Scene), "sessions")
		}
	}
	a.Config = config

	// 2. Scene, from disk or the reconstruction host
	scene, err := cloud.OpenScene(context.Background(), config.Scene)
	if err != nil {
		return fmt.Errorf("failed to load scene: %w", err)
	}
	if scene.Label == "" {
		scene.Label = config.Project
	}
	a.Recon = cloud.NewMemoryReconstruction(scene)
	a.Controller = cloud.NewController(a.Recon)
	log.Printf("Loaded scene %s: %d tie points, %d cameras", scene.Label, len(scene.Points), len(scene.Cameras))

	// 3. Session
	if err := a.openSession(); err != nil {
		return err
	}
	cm := a.Session.Chunk(scene.Label, scene.TiePointAccuracy)
	if a.Resume {
		config.ApplySettings(cm.TabSettings)
		log.Printf("Restored step settings from session %s", a.Session.Name)
	}

	// 4. Run history (optional)
	if config.HistoryDB != "" {
		store, err := cloud.OpenHistoryStore(config.HistoryDB)
		if err != nil {
			log.Printf("Warning: history disabled: %v", err)
		} else {
			a.History = store
		}
	}

	// 5. MQTT (optional)
	client, err := cloud.ConnectMQTT(config.MQTT)
	if err != nil {
		log.Printf("Warning: MQTT disabled: %v", err)
	} else if client != nil {
		a.MQTTClient = client
		a.Publisher = cloud.NewResultPublisher(client.GetClient(), config.MQTT.PublishPrefix)
	}

	a.wireController(scene.Label)
	a.prepared = true
	return nil
}

// openSession opens the named session, the newest one of the project or a
// fresh one, in that order of preference.
func (a *App) openSession() error {
	dir := a.Config.SessionDir
	name := a.SessionName
	if name == "" && !a.NewSession {
		latest, err := cloud.LatestSession(dir, a.Config.Project)
		if err != nil {
			return err
		}
		if latest != nil {
			name = latest.Name
		}
	}
	if name == "" {
		name = cloud.NewSessionName(a.Config.Project, a.now())
	}

	a.SessionPath = cloud.SessionPath(dir, name)
	session, err := cloud.LoadSession(a.SessionPath)
	if err != nil {
		return err
	}
	if session == nil {
		session = cloud.NewSession(name)
		log.Printf("Starting session %s", name)
	}
	a.Session = session
	return nil
}

func (a *App) wireController(chunk string) {
	if a.Publisher != nil {
		a.Controller.Observer = func(c cloud.FilterCriterion, snap cloud.IterationSnapshot) {
			a.Publisher.PublishProgress(chunk, c, snap)
		}
	}
	a.Controller.AfterStep = a.recordResult
}

// chunk returns the session memory of the loaded scene, creating it when
// missing. Callers hold the write lock.
func (a *App) chunk() *cloud.ChunkMemory {
	return a.Session.Chunk(a.Recon.Label(), a.Recon.TiePointAccuracy())
}

// lookupChunk returns the session memory of the loaded scene without
// modifying the session, so a read lock is enough. An unknown chunk yields
// an empty memory.
func (a *App) lookupChunk() *cloud.ChunkMemory {
	if cm, ok := a.Session.Lookup(a.Recon.Label()); ok {
		return cm
	}
	return &cloud.ChunkMemory{}
}

// confirm asks the user to confirm the chunk before anything is removed.
func (a *App) confirm() error {
	if a.AssumeYes {
		return nil
	}
	fmt.Fprintf(a.Out, "Chunk: %s (%d tie points, %d cameras)\n", a.Recon.Label(), len(a.Recon.Points()), len(a.Recon.Cameras()))
	fmt.Fprint(a.Out, "Chunk selection correct? [y/N] ")
	line, err := bufio.NewReader(a.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errCancelled
}

// recordResult stores a finished step in the session, the history database
// and on the broker, then prints its report rows.
func (a *App) recordResult(r *cloud.RunResult) error {
	entry, ok := a.Config.Step(r.Criterion)
	if !ok {
		entry.StepConfiguration = cloud.DefaultStepConfiguration(r.Criterion, a.Recon.TiePointAccuracy())
	}

	a.mu.Lock()
	a.chunk().Record(entry.StepConfiguration, r)
	err := cloud.SaveSession(a.SessionPath, a.Session)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("Saved session %s", a.SessionPath)

	if a.History != nil {
		rec := &cloud.HistoryRecord{
			Project: a.Config.Project,
			Chunk:   a.Recon.Label(),
			Session: a.Session.Name,
			Result:  r,
		}
		if err := a.History.Insert(rec); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(a.Recon.Label(), r); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	fmt.Fprintf(a.Out, "\nStep %d: %s [%s]\n", r.Criterion.StepIndex()+1, r.Criterion.Label(), r.Status)
	for _, row := range cloud.ReportRows(r) {
		fmt.Fprintf(a.Out, "  %-20s %s\n", row.Label, row.Value)
	}
	return nil
}

func (a *App) saveScene() error {
	if a.SaveScene == "" {
		return nil
	}
	if err := cloud.SaveScene(a.SaveScene, a.Recon.Scene()); err != nil {
		return err
	}
	log.Printf("Saved cleaned scene to %s", a.SaveScene)
	return nil
}

// RunStep runs one cleaning step with its configured settings.
func (a *App) RunStep(name string) error {
	criterion, err := cloud.ParseCriterion(name)
	if err != nil {
		return err
	}
	if err := a.prepare(); err != nil {
		return err
	}

	entry, ok := a.Config.Step(criterion)
	if !ok {
		entry.StepConfiguration = cloud.DefaultStepConfiguration(criterion, a.Recon.TiePointAccuracy())
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := a.confirm(); err != nil {
		return err
	}

	fmt.Fprint(a.Out, cloud.RunBanner(entry.StepConfiguration))
	result, err := a.Controller.RunStep(criterion, entry.StepConfiguration)
	if err != nil {
		return err
	}
	if err := a.recordResult(result); err != nil {
		return err
	}
	return a.saveScene()
}

// RunAll runs every enabled step in order.
func (a *App) RunAll() error {
	if err := a.prepare(); err != nil {
		return err
	}
	if err := a.confirm(); err != nil {
		return err
	}

	for _, step := range a.Config.Plan() {
		if step.Enabled {
			fmt.Fprint(a.Out, cloud.RunBanner(step.Config))
		}
	}
	results, err := a.Controller.RunAll(a.Config.Plan())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "\nCompleted %d step(s)\n", len(results))
	return a.saveScene()
}

// RunReport prints the step report of the loaded chunk.
func (a *App) RunReport() error {
	if err := a.prepare(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	fmt.Fprintf(a.Out, "Session: %s\n", a.Session.Name)
	return cloud.WriteReport(a.Out, a.Recon.Label(), a.lookupChunk().TreeResults)
}

// RunExportMarkers writes marker residuals as GeoJSON.
func (a *App) RunExportMarkers() error {
	if err := a.prepare(); err != nil {
		return err
	}
	if err := cloud.SaveMarkerResiduals(a.ExportMarkers, cloud.TakeSnapshot(a.Recon)); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Marker residuals saved to %s\n", a.ExportMarkers)
	return nil
}

// RunChart renders the convergence chart and/or the summary card.
func (a *App) RunChart() error {
	if err := a.prepare(); err != nil {
		return err
	}
	a.mu.RLock()
	results := a.lookupChunk().Results()
	a.mu.RUnlock()
	if len(results) == 0 {
		return fmt.Errorf("no results in session %s for chunk %s", a.Session.Name, a.Recon.Label())
	}

	if a.ChartFile != "" {
		renderer := cloud.NewChartRenderer(results)
		renderer.SetResolution(a.Config.ChartResolution)
		err := writeFile(a.ChartFile, func(w io.Writer) error {
			switch strings.ToLower(filepath.Ext(a.ChartFile)) {
			case ".svg":
				return renderer.RenderToSVG(w)
			case ".png":
				return renderer.RenderToPNG(w)
			}
			return fmt.Errorf("unsupported chart format %q (use .svg or .png)", filepath.Ext(a.ChartFile))
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Chart saved to %s\n", a.ChartFile)
	}

	if a.CardFile != "" {
		err := writeFile(a.CardFile, func(w io.Writer) error {
			return cloud.WriteSummaryCard(w, a.Recon.Label(), results)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Summary card saved to %s\n", a.CardFile)
	}
	return nil
}

// writeFile creates path and hands it to render. A failed render removes the
// partial file.
func writeFile(path string, render func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Chunk implements resultSource.
func (a *App) Chunk() string {
	return a.Recon.Label()
}

// StepResults implements resultSource.
func (a *App) StepResults() map[int]*cloud.RunResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[int]*cloud.RunResult)
	for k, v := range a.lookupChunk().TreeResults {
		out[k] = v
	}
	return out
}

// RunServer serves the session results over HTTP until interrupted.
func (a *App) RunServer() error {
	if err := a.prepare(); err != nil {
		return err
	}

	httpServer := newHTTPServer(a, a.History, a.Config.Project)
	addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
	srv := &http.Server{Addr: addr, Handler: httpServer}
	go func() {
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[HTTP] Server error: %v", err)
		}
	}()

	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
	fmt.Fprintln(a.Out, "  GET /health        - Health check")
	fmt.Fprintln(a.Out, "  GET /results       - Step results of the chunk (JSON)")
	fmt.Fprintln(a.Out, "  GET /report        - Step report (text)")
	fmt.Fprintln(a.Out, "  GET /chart.svg     - Convergence chart")
	fmt.Fprintln(a.Out, "  GET /summary.png   - Summary card")
	fmt.Fprintln(a.Out, "  GET /history       - Every recorded run of the chunk")
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.Out, "\nShutting down service...")
	srv.Close()
	a.Close()
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

// Close releases the broker connection and the history database.
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
		a.MQTTClient = nil
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			log.Printf("Warning: closing history: %v", err)
		}
		a.History = nil
	}
}
