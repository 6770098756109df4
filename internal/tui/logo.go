package tui

import "github.com/charmbracelet/lipgloss"

// AstroDesk pixel logo, split so the two halves can take different styles.
var logoLeft = []string{
	"                         ",
	"█▀▀█ █▀▀▀ ▀▀█▀▀ █▀▀█ █▀▀█",
	"█▀▀█ ▀▀▀█   █   █▀▀▄ █__█",
	"▀  ▀ ▀▀▀▀   ▀   ▀  ▀ ▀▀▀▀",
}

var logoRight = []string{
	"                ",
	" █▀▀▄ █▀▀▀ █▀▀▀█",
	" █  █ █▀▀▀ ▀▀▀▄▄",
	" ▀▀▀  ▀▀▀▀ ▀▀▀▀▀",
}

func renderLogo(width int) string {
	theme := getTheme()
	var result string

	for i := range logoLeft {
		left := lipgloss.NewStyle().Foreground(theme.textMuted).Render(logoLeft[i])
		right := lipgloss.NewStyle().Foreground(theme.text).Bold(true).Render(logoRight[i])
		line := left + " " + right
		padding := (width - lipgloss.Width(line)) / 2
		if padding > 0 {
			line = lipgloss.NewStyle().PaddingLeft(padding).Render(line)
		}
		result += line + "\n"
	}
	return result
}

// Small logo for headers.
func renderMiniLogo() string {
	theme := getTheme()
	return lipgloss.NewStyle().Foreground(theme.textMuted).Render("astro") +
		lipgloss.NewStyle().Foreground(theme.text).Bold(true).Render("desk")
}
