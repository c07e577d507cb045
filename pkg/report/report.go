// Package report renders a finished run as styled terminal output: one
// line per (workflow, connector, scenario) combination, assertion failures
// expanded underneath, and a run summary with the exit verdict.
package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/mjelen/payrun/pkg/runtime"
)

// Status glyphs convey meaning without relying on color alone.
const (
	GlyphPassed  = "✓"
	GlyphFailed  = "✗"
	GlyphAborted = "■"
	GlyphSkipped = "⏭"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	passedStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	failedStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	abortedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	dimStyle = lipgloss.NewStyle().
			Faint(true).
			Foreground(colorDim)
)

// valueWidth bounds expected/actual columns so one long body does not blow
// out the layout.
const valueWidth = 48

// Render produces the full report for a run.
func Render(r *runtime.RunResult) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("run %s", r.RunID)))
	b.WriteString("\n\n")

	for _, res := range r.Results {
		b.WriteString(renderCombination(res))
	}

	b.WriteString("\n")
	b.WriteString(renderSummary(r))
	b.WriteString("\n")
	return b.String()
}

func renderCombination(res *runtime.WorkflowResult) string {
	var b strings.Builder

	label := fmt.Sprintf("%s  %s/%s", res.Workflow, res.Connector, res.Scenario)
	switch {
	case res.Phase == runtime.PhaseAborted:
		b.WriteString(abortedStyle.Render(GlyphAborted + " " + label))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("    aborted: " + res.AbortReason))
		b.WriteString("\n")
	case res.AssertionsPassed():
		b.WriteString(passedStyle.Render(GlyphPassed + " " + label))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d steps)", len(res.Steps))))
		b.WriteString("\n")
	default:
		b.WriteString(failedStyle.Render(GlyphFailed + " " + label))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d failures)", res.FailureCount())))
		b.WriteString("\n")
	}

	for _, step := range res.Steps {
		if step.Skipped {
			b.WriteString(dimStyle.Render(fmt.Sprintf("    %s %s (%s)", GlyphSkipped, step.StepID, step.SkipReason)))
			b.WriteString("\n")
			continue
		}
		if step.Assertions == nil {
			continue
		}
		for _, f := range step.Assertions.Failures() {
			line := fmt.Sprintf("    %s %s %s: expected %s, got %s",
				GlyphFailed, step.StepID, f.Type,
				truncate(f.Expected), truncate(f.Actual))
			b.WriteString(failedStyle.Render(line))
			b.WriteString("\n")
			if f.Message != "" {
				b.WriteString(dimStyle.Render("      " + f.Message))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func renderSummary(r *runtime.RunResult) string {
	passed, failed, aborted := 0, 0, 0
	for _, res := range r.Results {
		switch {
		case res.Phase == runtime.PhaseAborted:
			aborted++
		case res.AssertionsPassed():
			passed++
		default:
			failed++
		}
	}

	line := fmt.Sprintf("%d passed, %d failed, %d aborted", passed, failed, aborted)
	switch {
	case aborted > 0:
		return abortedStyle.Render(line) + dimStyle.Render("  exit 1")
	case failed > 0:
		return failedStyle.Render(line) + dimStyle.Render("  exit 0, failures in report")
	default:
		return passedStyle.Render(line)
	}
}

// truncate clips a value to the column width by display cells, so wide
// runes do not misalign the table.
func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= valueWidth {
		return s
	}
	return runewidth.Truncate(s, valueWidth, "…")
}
