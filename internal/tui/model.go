// Package tui implements "warden top", a terminal dashboard that polls a
// running daemon and lists its supervised processes and workflow instances.
package tui

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// View represents the currently active screen
type View int

const (
	ViewWorkflows View = iota
	ViewProcesses
)

// DefaultInterval is how often the dashboard polls.
const DefaultInterval = 2 * time.Second

const requestTimeout = 5 * time.Second

type (
	snapshotMsg struct{ snap *Snapshot }
	errMsg      struct{ err error }
	tickMsg     time.Time
	actionMsg   struct {
		verb string
		id   string
		err  error
	}
)

// Model is the main application state
type Model struct {
	Backend  Backend
	Interval time.Duration

	ActiveView View
	Width      int
	Height     int

	Snapshot *Snapshot
	Err      error
	Notice   string

	Workflows table.Model
	Processes table.Model
}

// NewModel creates a new initial model
func NewModel(backend Backend, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		Backend:    backend,
		Interval:   interval,
		ActiveView: ViewWorkflows,
		Workflows:  newWorkflowTable(),
		Processes:  newProcessTable(),
	}
}

// Init fetches the first snapshot and starts polling
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	backend := m.Backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := backend.Snapshot(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) act(verb, id string, fn func(context.Context, string) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{verb: verb, id: id, err: fn(ctx, id)}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.ActiveView = (m.ActiveView + 1) % 2
			return m, nil
		case "1":
			m.ActiveView = ViewWorkflows
			return m, nil
		case "2":
			m.ActiveView = ViewProcesses
			return m, nil
		case "r":
			return m, m.fetch()
		case "c", "R":
			if m.ActiveView != ViewWorkflows {
				return m, nil
			}
			row := m.Workflows.SelectedRow()
			if len(row) == 0 {
				return m, nil
			}
			if msg.String() == "c" {
				return m, m.act("cancel", row[0], m.Backend.Cancel)
			}
			return m, m.act("resume", row[0], m.Backend.Resume)
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		// top bar, status card and footer
		h := max(msg.Height-10, 3)
		m.Workflows.SetHeight(h)
		m.Processes.SetHeight(h)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.Snapshot = msg.snap
		m.Err = nil
		m.Workflows.SetRows(workflowRows(msg.snap.Workflows, msg.snap.Taken))
		m.Processes.SetRows(processRows(msg.snap.Processes, msg.snap.Taken))
		return m, nil

	case errMsg:
		m.Err = msg.err
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.Notice = fmt.Sprintf("%s %s: %v", msg.verb, msg.id, msg.err)
		} else {
			m.Notice = fmt.Sprintf("%s %s: ok", msg.verb, msg.id)
		}
		return m, m.fetch()
	}

	// Delegate navigation to the active table
	var cmd tea.Cmd
	switch m.ActiveView {
	case ViewWorkflows:
		m.Workflows, cmd = m.Workflows.Update(msg)
	case ViewProcesses:
		m.Processes, cmd = m.Processes.Update(msg)
	}
	return m, cmd
}

// View renders the application
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.ViewTopBar())
	b.WriteString("\n")
	b.WriteString(m.viewStatus())
	b.WriteString("\n")

	switch m.ActiveView {
	case ViewWorkflows:
		b.WriteString(StyleCard.Render(m.Workflows.View()))
	case ViewProcesses:
		b.WriteString(StyleCard.Render(m.Processes.View()))
	}
	b.WriteString("\n")
	b.WriteString(m.viewFooter())
	return StyleApp.Render(b.String())
}

// ViewTopBar renders the top navigation menu
func (m Model) ViewTopBar() string {
	menus := []struct {
		View  View
		Label string
		Key   string
	}{
		{ViewWorkflows, "Workflows", "1"},
		{ViewProcesses, "Processes", "2"},
	}

	items := []string{StyleTitle.Render("WARDEN")}
	for _, menu := range menus {
		style := StyleMenuItem
		if m.ActiveView == menu.View {
			style = StyleMenuItemActive
		}
		items = append(items, style.Render(menu.Label)+StyleMenuKey.Render("("+menu.Key+")"))
	}
	return StyleTopBar.Render(lipgloss.JoinHorizontal(lipgloss.Top, items...))
}

func (m Model) viewStatus() string {
	if m.Snapshot == nil || m.Snapshot.Status == nil {
		if m.Err != nil {
			return StyleStatusBad.Render("✗ " + m.Err.Error())
		}
		return StyleSubtitle.Render("Connecting...")
	}
	st := m.Snapshot.Status

	line := fmt.Sprintf("%s %s  %s",
		StyleStatusGood.Render("● "+strings.ToUpper(st.Status)),
		StyleSubtitle.Render("v"+st.Version),
		StyleSubtitle.Render("up "+st.Uptime))
	if m.Err != nil {
		line = StyleStatusBad.Render("✗ "+m.Err.Error()) + "  " + StyleSubtitle.Render("(showing last snapshot)")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		line,
		"processes: "+counts(st.Processes),
		"workflows: "+counts(st.Workflows),
	)
}

func (m Model) viewFooter() string {
	help := "tab: switch  r: refresh  q: quit"
	if m.ActiveView == ViewWorkflows {
		help = "tab: switch  r: refresh  c: cancel  R: resume  q: quit"
	}
	footer := StyleMenuKey.Render(help)
	if m.Notice != "" {
		footer += "  " + StyleStatusWarn.Render(m.Notice)
	}
	return footer
}

// counts renders a status histogram in a stable order.
func counts(c map[string]int) string {
	if len(c) == 0 {
		return StyleSubtitle.Render("none")
	}
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(c)) {
		parts = append(parts, statusStyle(k).Render(fmt.Sprintf("%s %d", k, c[k])))
	}
	return strings.Join(parts, "  ")
}

// Run starts the dashboard on the terminal and blocks until the user quits.
func Run(backend Backend, interval time.Duration) error {
	_, err := tea.NewProgram(NewModel(backend, interval), tea.WithAltScreen()).Run()
	return err
}
