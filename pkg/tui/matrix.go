// Package tui renders live matrix progress for a run: one line per
// (workflow, connector, scenario) combination, updating as the runner's
// goroutines report in.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mjelen/payrun/pkg/runtime"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	abortedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type rowState int

const (
	rowRunning rowState = iota
	rowPassed
	rowFailed
	rowAborted
)

type row struct {
	label    string
	state    rowState
	failures int
}

// Model is the bubbletea model for the live matrix view.
type Model struct {
	title   string
	events  <-chan runtime.ProgressEvent
	spinner spinner.Model
	rows    []*row
	index   map[string]*row
	done    bool
}

type eventMsg runtime.ProgressEvent

type finishedMsg struct{}

// New builds a model consuming the runner's progress events. The channel
// must be closed when the run finishes.
func New(title string, events <-chan runtime.ProgressEvent) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return Model{
		title:   title,
		events:  events,
		spinner: sp,
		index:   make(map[string]*row),
	}
}

// Run drives the program until the event channel closes or the user quits.
func Run(title string, events <-chan runtime.ProgressEvent) error {
	_, err := tea.NewProgram(New(title, events)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m Model) listen() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return finishedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case eventMsg:
		m.apply(runtime.ProgressEvent(msg))
		return m, m.listen()

	case finishedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(ev runtime.ProgressEvent) {
	key := ev.Workflow + "|" + ev.Connector + "|" + ev.Scenario
	r, ok := m.index[key]
	if !ok {
		r = &row{label: fmt.Sprintf("%s  %s/%s", ev.Workflow, ev.Connector, ev.Scenario)}
		m.index[key] = r
		m.rows = append(m.rows, r)
	}
	if !ev.Done {
		r.state = rowRunning
		return
	}
	r.failures = ev.Failures
	switch {
	case ev.Phase == runtime.PhaseAborted:
		r.state = rowAborted
	case ev.Failures > 0:
		r.state = rowFailed
	default:
		r.state = rowPassed
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	for _, r := range m.rows {
		switch r.state {
		case rowRunning:
			b.WriteString(m.spinner.View())
			b.WriteString(" ")
			b.WriteString(runningStyle.Render(r.label))
		case rowPassed:
			b.WriteString(passedStyle.Render("✓ " + r.label))
		case rowFailed:
			b.WriteString(failedStyle.Render(fmt.Sprintf("✗ %s  (%d failures)", r.label, r.failures)))
		case rowAborted:
			b.WriteString(abortedStyle.Render("■ " + r.label + "  aborted"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(dimStyle.Render("run finished, press q to exit"))
	} else {
		b.WriteString(dimStyle.Render("q to quit"))
	}
	b.WriteString("\n")
	return b.String()
}
