package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	// A .env next to the binary feeds ${VAR} secrets and CONDUIT_* overrides.
	_ = godotenv.Load()
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "chain":
		return runChainNoun(args)
	case "job":
		return runJobNoun(args)

	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: conduit version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("conduit %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`conduit - webhook-driven plugin orchestration kernel

Usage:
  conduit <noun> <action> [flags]

Resources (Nouns):
  system    Kernel lifecycle and health
  config    Configuration validation and tokens
  chain     Persisted automation chains
  job       Agent jobs

System Commands:
  system start        Start the kernel in the foreground
  system status       Check config, signing key, state store and instance lock

Config Commands:
  config check        Validate configuration and automations
  config token        Mint a scoped API token

Chain Commands:
  chain inspect <id>  Show a chain's steps, inputs and outputs

Job Commands:
  job watch <id>      Follow an agent job in a live TUI

General:
  --version           Show version information
  version             Show version information
  help                Show this help message

Use 'conduit <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			printConfigTokenHelp()
			return 0
		}
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runChainNoun(args []string) int {
	if len(args) < 1 {
		printChainNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printChainNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printChainInspectHelp()
			return 0
		}
		return runChainInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown chain action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "watch":
		if hasHelpFlag(actionArgs) {
			printJobWatchHelp()
			return 0
		}
		return runJobWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// splitPositional pulls a leading positional argument out of args so flags
// may follow it ("job watch <id> --token T").
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conduit system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conduit config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, token")
}

func printChainNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conduit chain <action>")
	fmt.Fprintln(w, "Actions: inspect")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conduit job <action>")
	fmt.Fprintln(w, "Actions: watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: conduit system start [--config PATH]")
	fmt.Println("Start the webhook receiver, API server and state sweeper in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: conduit system status [--config PATH] [--json]")
	fmt.Println("Check config, automations, signing key, state store and instance lock.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: conduit config check [--config PATH] [--json]")
	fmt.Println("Validate the configuration and automations and print their fingerprints.")
}

func printConfigTokenHelp() {
	fmt.Println("Usage: conduit config token [--scopes LIST]")
	fmt.Println("Generate a bearer token and print an api.auth.tokens entry.")
	fmt.Println("Without --scopes an interactive picker is shown.")
	fmt.Println("")
	fmt.Println("Scopes: *, chains:ro, chains:rw, jobs:ro, jobs:rw")
}

func printChainInspectHelp() {
	fmt.Println("Usage: conduit chain inspect <state_id> [--config PATH] [--json]")
	fmt.Println("Read a chain from the sqlite state store and show every step.")
}

func printJobWatchHelp() {
	fmt.Println("Usage: conduit job watch <job_id> [--api URL] [--token TOKEN]")
	fmt.Println()
	fmt.Println("Follow an agent job over GET /jobs/{id}/watch until it finishes.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api URL        API base URL (default: $CONDUIT_API_URL or http://localhost:8080)")
	fmt.Println("  --token TOKEN    Bearer token with jobs:ro (default: $CONDUIT_API_TOKEN)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C, Esc   Quit")
	fmt.Println("  up/down, k/j     Scroll outputs")
}
