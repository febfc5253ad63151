package cmd

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#54A0FF"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#BBBBBB"))
	pidStyle   = lipgloss.NewStyle().Bold(true)
)

func mark(ok bool) string {
	if ok {
		return okStyle.Render("✓")
	}
	return failStyle.Render("✗")
}
