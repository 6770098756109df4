// Package tui implements the terminal chat interface.
package tui

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-yaml"

	"github.com/astrodesk/astrodesk/internal/config"
)

// Theme defines the TUI color palette.
type Theme struct {
	background   lipgloss.Color
	text         lipgloss.Color
	textMuted    lipgloss.Color
	primary      lipgloss.Color
	success      lipgloss.Color
	warning      lipgloss.Color
	error        lipgloss.Color
	border       lipgloss.Color
	borderActive lipgloss.Color
}

// themeFile is the optional ~/.astrodesk/theme.yaml override. Every field
// is a hex color; empty fields keep the base theme's value.
type themeFile struct {
	Background   string `yaml:"background"`
	Text         string `yaml:"text"`
	TextMuted    string `yaml:"textMuted"`
	Primary      string `yaml:"primary"`
	Success      string `yaml:"success"`
	Warning      string `yaml:"warning"`
	Error        string `yaml:"error"`
	Border       string `yaml:"border"`
	BorderActive string `yaml:"borderActive"`
}

func darkTheme() Theme {
	return Theme{
		background:   lipgloss.Color("#1a1a2e"),
		text:         lipgloss.Color("#e0e0e0"),
		textMuted:    lipgloss.Color("#666666"),
		primary:      lipgloss.Color("#7c6af7"),
		success:      lipgloss.Color("#22c55e"),
		warning:      lipgloss.Color("#eab308"),
		error:        lipgloss.Color("#ef4444"),
		border:       lipgloss.Color("#333333"),
		borderActive: lipgloss.Color("#7c6af7"),
	}
}

func lightTheme() Theme {
	return Theme{
		background:   lipgloss.Color("#fafafa"),
		text:         lipgloss.Color("#1f2937"),
		textMuted:    lipgloss.Color("#9ca3af"),
		primary:      lipgloss.Color("#6d28d9"),
		success:      lipgloss.Color("#16a34a"),
		warning:      lipgloss.Color("#ca8a04"),
		error:        lipgloss.Color("#dc2626"),
		border:       lipgloss.Color("#d1d5db"),
		borderActive: lipgloss.Color("#6d28d9"),
	}
}

var activeTheme = darkTheme()

func getTheme() Theme { return activeTheme }

// initTheme resolves the effective theme: the named base palette plus any
// overrides from theme.yaml next to the config file.
func initTheme(name string) {
	switch name {
	case "light":
		activeTheme = lightTheme()
	default:
		activeTheme = darkTheme()
	}

	path := filepath.Join(config.ConfigDir(), "theme.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var overrides themeFile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return
	}
	applyOverride(&activeTheme.background, overrides.Background)
	applyOverride(&activeTheme.text, overrides.Text)
	applyOverride(&activeTheme.textMuted, overrides.TextMuted)
	applyOverride(&activeTheme.primary, overrides.Primary)
	applyOverride(&activeTheme.success, overrides.Success)
	applyOverride(&activeTheme.warning, overrides.Warning)
	applyOverride(&activeTheme.error, overrides.Error)
	applyOverride(&activeTheme.border, overrides.Border)
	applyOverride(&activeTheme.borderActive, overrides.BorderActive)
}

func applyOverride(dst *lipgloss.Color, value string) {
	if value != "" {
		*dst = lipgloss.Color(value)
	}
}
