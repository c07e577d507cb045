package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mjelen/payrun/pkg/config"
	"github.com/mjelen/payrun/pkg/debugger"
	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/fixture"
	"github.com/mjelen/payrun/pkg/mcpserver"
	"github.com/mjelen/payrun/pkg/mockserver"
	"github.com/mjelen/payrun/pkg/replay"
	"github.com/mjelen/payrun/pkg/report"
	"github.com/mjelen/payrun/pkg/runtime"
	"github.com/mjelen/payrun/pkg/schema"
	"github.com/mjelen/payrun/pkg/tui"
	"github.com/mjelen/payrun/pkg/vars"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment.
// Lines are KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
// The .env file is gitignored so credentials never end up in source control.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return // no .env file — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Remove surrounding quotes
		val = strings.Trim(val, `"'`)
		// Don't overwrite existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "payrun",
	Short: "Declarative end-to-end tests for the payments API",
	Long:  "payrun — a data-driven harness that runs YAML payment workflows against every configured connector and checks each response against per-connector expectations.",
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.yaml]",
	Short: "Validate a workflow YAML file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	wf, errs := schema.ValidateFile(filePath)
	if len(errs) > 0 {
		// Separate warnings from errors
		var errors []*schema.ValidationError
		var warnings []*schema.ValidationError
		for _, e := range errs {
			if e.Severity == "warning" {
				warnings = append(warnings, e)
			} else {
				errors = append(errors, e)
			}
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", w.Phase, w.Message)
			if w.Path != "" {
				fmt.Fprintf(os.Stderr, "    at: %s\n", w.Path)
			}
		}
		if len(errors) > 0 {
			fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errors))
			for i, e := range errors {
				fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
				if e.Path != "" {
					fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
				}
			}
			return fmt.Errorf("validation failed with %d error(s)", len(errors))
		}
	}
	fmt.Printf("✓ %s is valid (%d steps)\n", wf.Meta.Name, len(wf.Steps))
	return nil
}

func hasValidationErrors(errs []*schema.ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// --- run ---

var (
	runTUI     bool
	runOutDir  string
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run [payrun.yaml]",
	Short: "Run every configured workflow against every configured connector",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	if runOutDir != "" {
		cfg.OutDir = runOutDir
	}

	logLevel := slog.LevelWarn
	if runVerbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	fixtures, err := fixture.Load(cfg.Fixtures)
	if err != nil {
		return err
	}
	auth, err := cfg.LoadAuth()
	if err != nil {
		return err
	}

	workflows, err := loadWorkflows(cfg.Workflows)
	if err != nil {
		return err
	}

	mockCommand := cfg.MockCommand
	if mockCommand == "" {
		mockCommand = "connector-mock"
	}
	mocks := mockserver.NewManager(mockCommand, logger)

	runner := &runtime.Runner{
		Workflows:     workflows,
		Fixtures:      fixtures,
		Connectors:    cfg.Connectors,
		Mocks:         mocks,
		Logger:        logger,
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.AdminAPIKey,
		Auth:          auth,
		ServerCommand: cfg.ServerCommand,
		OutDir:        cfg.OutDir,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var result *runtime.RunResult
	if runTUI {
		result, err = runWithTUI(ctx, runner)
	} else {
		result, err = runner.Run(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Print(report.Render(result))
	if result.ExitCode() != 0 {
		os.Exit(result.ExitCode())
	}
	return nil
}

// runWithTUI drives the runner from a goroutine and feeds its progress
// events into the matrix view. The final report is still printed to stdout
// after the TUI exits.
func runWithTUI(ctx context.Context, runner *runtime.Runner) (*runtime.RunResult, error) {
	events := make(chan runtime.ProgressEvent, 16)
	runner.Progress = func(ev runtime.ProgressEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	type outcome struct {
		result *runtime.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := runner.Run(ctx)
		close(events)
		done <- outcome{result, err}
	}()

	tuiErr := tui.Run("payrun "+version, events)
	// Quitting the view early must not wedge the runner mid-push.
	go func() {
		for range events {
		}
	}()
	out := <-done
	if tuiErr != nil {
		return nil, fmt.Errorf("tui: %w", tuiErr)
	}
	return out.result, out.err
}

// loadWorkflows validates every workflow path up front so a typo in one
// file fails the run before any server is spawned.
func loadWorkflows(paths []string) ([]*schema.Workflow, error) {
	var workflows []*schema.Workflow
	for _, path := range paths {
		wf, errs := schema.ValidateFile(path)
		if hasValidationErrors(errs) {
			for _, e := range errs {
				if e.Severity != "warning" {
					fmt.Fprintf(os.Stderr, "  ✗ %s: [%s] %s\n", path, e.Phase, e.Message)
				}
			}
			return nil, fmt.Errorf("workflow %s failed validation", path)
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show [workflow.yaml]",
	Short: "Render a workflow's documentation and step outline",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	wf, errs := schema.ValidateFile(args[0])
	if hasValidationErrors(errs) {
		return fmt.Errorf("%s failed validation; run: payrun validate %s", args[0], args[0])
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", wf.Meta.Name)
	if wf.Meta.Description != "" {
		fmt.Fprintf(&md, "%s\n\n", wf.Meta.Description)
	}
	if len(wf.Meta.Vars) > 0 {
		md.WriteString("## Variables\n\n")
		for name, value := range wf.Meta.Vars {
			fmt.Fprintf(&md, "- `%s` = `%s`\n", name, value)
		}
		md.WriteString("\n")
	}
	md.WriteString("## Steps\n\n")
	for i, step := range wf.Steps {
		title := step.Title
		if title == "" {
			title = step.ID
		}
		fmt.Fprintf(&md, "%d. **%s** (`%s`) — %s %s\n", i+1, title, step.Operation,
			step.Request.Method, step.Request.Path)
		if step.When != "" {
			fmt.Fprintf(&md, "   - when: `%s`\n", step.When)
		}
		if step.Retry != nil {
			fmt.Fprintf(&md, "   - retries up to %d times\n", step.Retry.MaxAttempts)
		}
	}

	out, err := glamour.Render(md.String(), "auto")
	if err != nil {
		// Plain markdown is still readable.
		fmt.Print(md.String())
		return nil
	}
	fmt.Print(out)
	return nil
}

// --- debug ---

var debugScenarioDir string

var debugCmd = &cobra.Command{
	Use:   "debug [workflow.yaml]",
	Short: "Step through a workflow interactively against a recorded scenario",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebug,
}

func runDebug(cmd *cobra.Command, args []string) error {
	wf, errs := schema.ValidateFile(args[0])
	if hasValidationErrors(errs) {
		return fmt.Errorf("%s failed validation; run: payrun validate %s", args[0], args[0])
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := vars.New(logger)

	var d dispatch.Dispatcher
	if debugScenarioDir != "" {
		scenario, err := replay.LoadScenario(debugScenarioDir)
		if err != nil {
			return err
		}
		for name, value := range scenario.Vars {
			store.Set(name, value)
		}
		d = scenario.Dispatcher()
	} else {
		baseURL := os.Getenv("PAYRUN_BASE_URL")
		if baseURL == "" {
			return fmt.Errorf("no target: pass --scenario-dir or set PAYRUN_BASE_URL")
		}
		d = dispatch.NewHTTPDispatcher(baseURL, os.Getenv("PAYRUN_ADMIN_API_KEY"))
	}

	dbg := debugger.New(wf, store, d, logger)
	return dbg.Run(cmd.Context())
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Workflow schema utilities",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the workflow JSON Schema to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		// Pretty-print
		var obj any
		if err := json.Unmarshal(data, &obj); err == nil {
			if pretty, err := json.MarshalIndent(obj, "", "  "); err == nil {
				data = pretty
			}
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- scenarios ---

var scenariosCmd = &cobra.Command{
	Use:   "scenarios [fixtures.yaml]",
	Short: "List the configured scenarios per connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fixtures, err := fixture.Load(args[0])
		if err != nil {
			return err
		}
		for _, connector := range fixtures.Connectors() {
			fmt.Printf("%s:\n", connector)
			for _, name := range fixtures.ScenariosFor(connector) {
				fmt.Printf("  - %s\n", name)
			}
		}
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve workflow tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := mcpserver.NewServer(version)
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("payrun %s (build: %s)\n", version, commit)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "render the run matrix as a live terminal UI")
	runCmd.Flags().StringVar(&runOutDir, "out", "", "artifact directory (overrides config)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
	debugCmd.Flags().StringVar(&debugScenarioDir, "scenario-dir", "", "replay scenario directory (recorded responses)")

	schemaCmd.AddCommand(schemaExportCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}
