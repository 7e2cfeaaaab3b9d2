package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line into the application.
type AppOptions struct {
	ConfigFile    string
	ScenePath     string
	SessionDir    string
	SessionName   string
	NewSession    bool
	Resume        bool
	RunStep       string
	RunAll        bool
	Report        bool
	ExportMarkers string
	ChartFile     string
	CardFile      string
	SaveScene     string
	HistoryDB     string
	HttpMode      bool
	HttpPort      int
	AssumeYes     bool
}

// AppRunner is the set of modes the command line can dispatch to.
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunStep(criterion string) error
	RunAll() error
	RunReport() error
	RunExportMarkers() error
	RunChart() error
	RunServer() error
}

func main() {
	app := NewApp()
	err := run(os.Args[1:], os.Stdout, app)
	app.Close()
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to the selected mode. Output modes (report,
// chart, card, marker export) run after any cleaning requested in the same
// invocation.
func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("sparseclean", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.ScenePath, "scene", "", "Path or http(s) URL of the scene (overrides config)")
	fs.StringVar(&opts.SessionDir, "session-dir", "", "Directory holding session documents (overrides config)")
	fs.StringVar(&opts.SessionName, "session", "", "Session to open (default: newest session of the project)")
	fs.BoolVar(&opts.NewSession, "new-session", false, "Start a new session instead of continuing the newest one")
	fs.BoolVar(&opts.Resume, "resume", false, "Restore step settings from the session instead of the config file")
	fs.StringVar(&opts.RunStep, "run-step", "", "Run one cleaning step: reconstruction_uncertainty, projection_accuracy, reprojection_error or reprojection_error_rmse")
	fs.BoolVar(&opts.RunAll, "run-all", false, "Run every enabled cleaning step in order")
	fs.BoolVar(&opts.Report, "report", false, "Print the step report of the current chunk")
	fs.StringVar(&opts.ExportMarkers, "export-markers", "", "Write marker residuals as GeoJSON to this file")
	fs.StringVar(&opts.ChartFile, "chart", "", "Write the convergence chart (.svg or .png)")
	fs.StringVar(&opts.CardFile, "card", "", "Write the PNG summary card")
	fs.StringVar(&opts.SaveScene, "save-scene", "", "Write the cleaned scene to this file")
	fs.StringVar(&opts.HistoryDB, "history-db", "", "Path to the run history database (overrides config)")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve results over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.AssumeYes, "yes", false, "Do not ask to confirm the chunk before cleaning")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "sparseclean version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.RunStep != "" && opts.RunAll {
		return fmt.Errorf("--run-step and --run-all are mutually exclusive")
	}

	ran := false
	if opts.RunStep != "" {
		if err := app.RunStep(opts.RunStep); err != nil {
			return err
		}
		ran = true
	}
	if opts.RunAll {
		if err := app.RunAll(); err != nil {
			return err
		}
		ran = true
	}
	if opts.Report {
		if err := app.RunReport(); err != nil {
			return err
		}
		ran = true
	}
	if opts.ExportMarkers != "" {
		if err := app.RunExportMarkers(); err != nil {
			return err
		}
		ran = true
	}
	if opts.ChartFile != "" || opts.CardFile != "" {
		if err := app.RunChart(); err != nil {
			return err
		}
		ran = true
	}
	if opts.HttpMode {
		return app.RunServer()
	}
	if ran {
		return nil
	}

	fmt.Fprintln(out, "Nothing to do.")
	fmt.Fprintln(out, "Use --run-step=CRITERION to run one cleaning step")
	fmt.Fprintln(out, "Use --run-all to run every enabled step")
	fmt.Fprintln(out, "Use --report to print the results of the current session")
	fmt.Fprintln(out, "Use --chart=FILE.svg or --card=FILE.png to render results")
	fmt.Fprintln(out, "Use --export-markers=FILE.geojson to export marker residuals")
	fmt.Fprintln(out, "Use --http to serve results over HTTP")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - project, scene, MQTT settings and step parameters")
	fmt.Fprintln(out, "  <sessionDir>/<project>_<date>_<time>.json - session documents")
	return nil
}
