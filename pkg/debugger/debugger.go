// Package debugger implements the interactive REPL for stepping through a
// workflow one request at a time, usually over a replay dispatcher.
package debugger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/runtime"
	"github.com/mjelen/payrun/pkg/schema"
	"github.com/mjelen/payrun/pkg/vars"
)

// Debugger steps a single workflow against one dispatcher.
type Debugger struct {
	workflow *schema.Workflow
	orch     *runtime.Orchestrator
	store    *vars.Store
	output   io.Writer

	index   int
	aborted bool
	records []*runtime.StepRecord
}

// New creates a debugger. The store is usually pre-seeded from a replay
// scenario's inputs.
func New(wf *schema.Workflow, store *vars.Store, d dispatch.Dispatcher, logger *slog.Logger) *Debugger {
	orch := runtime.NewOrchestrator(wf, store, d, logger)
	orch.SeedMetaVars()
	return &Debugger{
		workflow: wf,
		orch:     orch,
		store:    store,
		output:   os.Stdout,
	}
}

// Run starts the REPL loop.
func (d *Debugger) Run(ctx context.Context) error {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("next"),
		readline.PcItem("continue"),
		readline.PcItem("vars"),
		readline.PcItem("report"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          d.prompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(d.output, "payrun debugger — %s, %d steps\n", d.workflow.Meta.Name, len(d.workflow.Steps))
	fmt.Fprintf(d.output, "Type 'help' for commands, 'next' to execute the next step.\n\n")

	for {
		rl.SetPrompt(d.prompt())
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch strings.Fields(line)[0] {
		case "next", "n":
			d.handleNext(ctx)
		case "continue", "c":
			d.handleContinue(ctx)
		case "vars", "v":
			d.handleVars()
		case "report", "r":
			d.handleReport()
		case "help", "?":
			d.handleHelp()
		case "quit", "q":
			fmt.Fprintf(d.output, "Exiting debugger.\n")
			return nil
		default:
			fmt.Fprintf(d.output, "Unknown command %q. Type 'help' for commands.\n", line)
		}
	}
}

// prompt builds payrun[step N/total | step_id]>
func (d *Debugger) prompt() string {
	total := len(d.workflow.Steps)
	if d.aborted {
		return "payrun[aborted]> "
	}
	if d.index >= total {
		return "payrun[done]> "
	}
	return fmt.Sprintf("payrun[%d/%d | %s]> ", d.index+1, total, d.workflow.Steps[d.index].ID)
}

func (d *Debugger) handleNext(ctx context.Context) {
	if d.aborted {
		fmt.Fprintf(d.output, "Workflow aborted; no further steps will run.\n")
		return
	}
	if d.index >= len(d.workflow.Steps) {
		fmt.Fprintf(d.output, "All steps completed.\n")
		return
	}

	step := d.workflow.Steps[d.index]
	fmt.Fprintf(d.output, "Executing step %d: %s [%s]\n", d.index+1, step.Title, step.ID)

	rec, err := d.orch.ExecuteStep(ctx, d.index)
	d.records = append(d.records, rec)
	d.index++
	if err != nil {
		d.aborted = true
		fmt.Fprintf(d.output, "  ■ %s aborted: %v\n", step.ID, err)
		return
	}
	switch {
	case rec.Skipped:
		fmt.Fprintf(d.output, "  ⏭ %s skipped (%s)\n", step.ID, rec.SkipReason)
	case rec.Passed():
		fmt.Fprintf(d.output, "  ✓ %s passed (%d %s)\n", step.ID, rec.StatusCode, statusWord(rec))
	default:
		fmt.Fprintf(d.output, "  ✗ %s: %d assertion failure(s)\n", step.ID, len(rec.Assertions.Failures()))
		for _, f := range rec.Assertions.Failures() {
			fmt.Fprintf(d.output, "      %s: expected %s, got %s\n", f.Type, f.Expected, f.Actual)
		}
	}
	for _, diag := range rec.Diagnostics {
		fmt.Fprintf(d.output, "      note: %s\n", diag)
	}
}

func statusWord(rec *runtime.StepRecord) string {
	if rec.Attempts > 1 {
		return fmt.Sprintf("after %d attempts", rec.Attempts)
	}
	return "ok"
}

func (d *Debugger) handleContinue(ctx context.Context) {
	for !d.aborted && d.index < len(d.workflow.Steps) {
		d.handleNext(ctx)
	}
	if !d.aborted {
		fmt.Fprintf(d.output, "All steps completed.\n")
	}
}

func (d *Debugger) handleVars() {
	names := d.store.Names()
	if len(names) == 0 {
		fmt.Fprintf(d.output, "No variables set.\n")
		return
	}
	for _, name := range names {
		value, _ := d.store.Get(name)
		fmt.Fprintf(d.output, "  %s = %s\n", name, vars.Stringify(value))
	}
}

func (d *Debugger) handleReport() {
	if len(d.records) == 0 {
		fmt.Fprintf(d.output, "No steps executed yet.\n")
		return
	}
	for _, rec := range d.records {
		switch {
		case rec.Skipped:
			fmt.Fprintf(d.output, "  ⏭ %s\n", rec.StepID)
		case rec.Passed():
			fmt.Fprintf(d.output, "  ✓ %s\n", rec.StepID)
		default:
			fmt.Fprintf(d.output, "  ✗ %s (%d failures)\n", rec.StepID, len(rec.Assertions.Failures()))
		}
	}
}

func (d *Debugger) handleHelp() {
	fmt.Fprint(d.output, `Commands:
  next, n       execute the next step
  continue, c   execute all remaining steps
  vars, v       print the variable store
  report, r     print step results so far
  help, ?       this help
  quit, q       exit
`)
}
