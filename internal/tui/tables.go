package tui

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/state"
)

func newTable(columns []table.Column) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorDeep).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(ColorAccent).
		Background(ColorDeep).
		Bold(false)
	t.SetStyles(s)
	return t
}

func newProcessTable() table.Model {
	return newTable([]table.Column{
		{Title: "ID", Width: 14},
		{Title: "NAME", Width: 18},
		{Title: "PID", Width: 8},
		{Title: "STATUS", Width: 9},
		{Title: "RESTARTS", Width: 8},
		{Title: "AGE", Width: 7},
		{Title: "ERROR", Width: 30},
	})
}

func newWorkflowTable() table.Model {
	return newTable([]table.Column{
		{Title: "ID", Width: 14},
		{Title: "WORKFLOW", Width: 16},
		{Title: "STATUS", Width: 9},
		{Title: "STEP", Width: 14},
		{Title: "PROGRESS", Width: 8},
		{Title: "AGE", Width: 7},
		{Title: "ERROR", Width: 30},
	})
}

func processRows(records []*state.ProcessRecord, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		pid := "-"
		if r.PID > 0 {
			pid = strconv.Itoa(r.PID)
		}
		rows = append(rows, table.Row{
			r.ID, r.Name, pid, string(r.Status),
			strconv.Itoa(r.RestartCount), age(r.CreatedAt, now), dash(r.Error),
		})
	}
	return rows
}

// workflowRows lists newest instances first.
func workflowRows(instances []*orchestrator.Instance, now time.Time) []table.Row {
	sorted := slices.Clone(instances)
	slices.SortStableFunc(sorted, func(a, b *orchestrator.Instance) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	rows := make([]table.Row, 0, len(sorted))
	for _, inst := range sorted {
		rows = append(rows, table.Row{
			inst.ID, inst.WorkflowName, string(inst.Status), dash(inst.CurrentStep),
			fmt.Sprintf("%.0f%%", inst.Progress), age(inst.CreatedAt, now), dash(inst.Error),
		})
	}
	return rows
}

func age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
