package tui

import "github.com/charmbracelet/lipgloss"

// Warden Color Palette
var (
	ColorAccent = lipgloss.Color("#A8D8EA") // headers and the selected tab
	ColorDeep   = lipgloss.Color("#596E79") // borders and secondary text
	ColorDark   = lipgloss.Color("#2C3E50")
	ColorText   = lipgloss.Color("#E0E0E0")
	ColorAlert  = lipgloss.Color("#FF6B6B")
	ColorGood   = lipgloss.Color("#4ECDC4")
	ColorWarn   = lipgloss.Color("#FFE66D")
	ColorMuted  = lipgloss.Color("#6c757d")
)

// Styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleSubtitle = lipgloss.NewStyle().
			Foreground(ColorDeep).
			Italic(true)

	// Status Indicators
	StyleStatusGood = lipgloss.NewStyle().Foreground(ColorGood).Bold(true)
	StyleStatusBad  = lipgloss.NewStyle().Foreground(ColorAlert).Bold(true)
	StyleStatusWarn = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)

	StyleCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDeep).
			Padding(0, 1)

	// App container
	StyleApp = lipgloss.NewStyle().Margin(0, 1)

	StyleTopBar = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(ColorDeep).
			Padding(0, 1)

	StyleMenuItem = lipgloss.NewStyle().
			Foreground(ColorDeep).
			Padding(0, 1)

	StyleMenuItemActive = lipgloss.NewStyle().
				Foreground(ColorDark).
				Background(ColorAccent).
				Bold(true).
				Padding(0, 1)

	StyleMenuKey = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Faint(true)
)

// statusStyle colours a process or workflow status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "completed":
		return StyleStatusGood
	case "crashed", "dead", "failed":
		return StyleStatusBad
	case "spawning", "orphaned", "pending", "cancelled":
		return StyleStatusWarn
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
