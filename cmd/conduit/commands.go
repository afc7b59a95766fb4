package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/doctor"
	"github.com/mattjoyce/conduit/internal/inspect"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/tui/tokenmgr"
	"github.com/mattjoyce/conduit/internal/tui/watch"
)

// --- config check ---

type automationSummary struct {
	Name        string   `json:"name"`
	On          []string `json:"on"`
	Steps       int      `json:"steps"`
	Fingerprint string   `json:"fingerprint"`
}

type checkReport struct {
	Config      string              `json:"config"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Automations []automationSummary `json:"automations"`
	Result      *doctor.Result      `json:"result"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	automations, err := loadAutomations(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Automations error: %v\n", err)
		return 1
	}

	report := checkReport{
		Config:      path,
		Automations: make([]automationSummary, 0, len(automations)),
		Result:      doctor.New(cfg, automations).Validate(),
	}
	if fp, err := config.Fingerprint(path); err == nil {
		report.Fingerprint = fp
	}
	for _, a := range automations {
		report.Automations = append(report.Automations, automationSummary{
			Name: a.Name, On: a.On, Steps: len(a.Steps), Fingerprint: a.Fingerprint,
		})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("Config: %s", report.Config)
		if report.Fingerprint != "" {
			fmt.Printf(" (%s)", report.Fingerprint)
		}
		fmt.Println()
		for _, a := range report.Automations {
			fmt.Printf("  automation %s on %s: %d step(s) %s\n", a.Name, strings.Join(a.On, ","), a.Steps, a.Fingerprint)
		}
		fmt.Print(doctor.FormatHuman(report.Result))
	}

	if !report.Result.Valid {
		return 1
	}
	return 0
}

// --- config token ---

func runConfigToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	scopesFlag := fs.String("scopes", "", "Comma-separated scopes (interactive picker when empty)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var scopes []string
	if *scopesFlag != "" {
		parsed, err := tokenmgr.ParseScopes(*scopesFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		scopes = parsed
	} else {
		final, err := tea.NewProgram(*tokenmgr.New()).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		picked, ok := final.(tokenmgr.Model).Selected()
		if !ok {
			return 1
		}
		if len(picked) == 0 {
			fmt.Fprintln(os.Stderr, "Error: no scopes selected")
			return 1
		}
		scopes = picked
	}

	token, err := tokenmgr.NewToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	snippet, err := tokenmgr.Snippet(token, scopes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(snippet)
	return 0
}

// --- system status ---

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			status := "OK"
			if !c.OK {
				status = "FAIL"
			}
			fmt.Printf("%s: %s - %s\n", c.Name, status, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(configPath string) statusReport {
	var checks []statusCheck
	add := func(name string, ok bool, detail string) {
		checks = append(checks, statusCheck{Name: name, OK: ok, Detail: detail})
	}
	finish := func() statusReport {
		healthy := true
		for _, c := range checks {
			healthy = healthy && c.OK
		}
		return statusReport{Healthy: healthy, Checks: checks}
	}

	path, err := resolveConfigPath(configPath)
	if err == nil {
		var cfg *config.Config
		cfg, err = config.Load(path)
		if err == nil {
			add("config_load", true, path)
			statusChecks(cfg, add)
			return finish()
		}
	}

	add("config_load", false, err.Error())
	for _, name := range []string{"automations", "signing_key", "state_db", "instance_lock"} {
		add(name, false, "skipped: config not loaded")
	}
	return finish()
}

func statusChecks(cfg *config.Config, add func(string, bool, string)) {
	if automations, err := loadAutomations(cfg); err != nil {
		add("automations", false, err.Error())
	} else {
		add("automations", true, fmt.Sprintf("%d loaded", len(automations)))
	}

	if _, err := loadKey(cfg.Signing.PrivateKeyPath, cfg.Signing.PrivateKey); err != nil {
		add("signing_key", false, err.Error())
	} else {
		add("signing_key", true, "parsed")
	}

	if cfg.State.Driver == "memory" {
		add("state_db", true, "memory driver")
		add("instance_lock", true, "not used by the memory driver")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if db, err := storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		add("state_db", false, err.Error())
	} else {
		_ = db.Close()
		add("state_db", true, cfg.State.Path)
	}

	lockPath := lock.PathFor(cfg.State.Path)
	inst, err := lock.Acquire(lockPath)
	if err != nil {
		add("instance_lock", false, err.Error())
		return
	}
	_ = inst.Release()
	add("instance_lock", true, "free: "+lockPath)
}

// --- chain inspect ---

func runChainInspect(args []string) int {
	stateID, rest := splitPositional(args)

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if stateID == "" {
		stateID = fs.Arg(0)
	}
	if stateID == "" {
		fmt.Fprintln(os.Stderr, "Usage: conduit chain inspect <state_id> [--config PATH] [--json]")
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.State.Driver != "sqlite" {
		fmt.Fprintln(os.Stderr, "Error: chain inspect reads the sqlite state store; memory state lives only in the running process")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	report, err := inspect.Load(ctx, state.NewSQLiteStore(db, cfg.State.PollInterval), stateID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := report.JSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(report.Human())
	return 0
}

// --- job watch ---

func runJobWatch(args []string) int {
	jobID, rest := splitPositional(args)

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", envOr("CONDUIT_API_URL", "http://localhost:8080"), "API base URL")
	token := fs.String("token", os.Getenv("CONDUIT_API_TOKEN"), "Bearer token with jobs:ro")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" {
		jobID = fs.Arg(0)
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: conduit job watch <job_id> [--api URL] [--token TOKEN]")
		return 1
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or CONDUIT_API_TOKEN env var.")
		return 1
	}

	m := watch.New(strings.TrimRight(*apiURL, "/"), *token, jobID)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
