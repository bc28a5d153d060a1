// Package ui renders command output for terminals.
package ui

import (
	"sort"

	"github.com/charmbracelet/lipgloss"
)

// Theme holds the styles the renderers use.
type Theme struct {
	Name    string
	Title   lipgloss.Style
	Accent  lipgloss.Style
	Text    lipgloss.Style
	Dim     lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

var themeRegistry = map[string]func(bool) Theme{
	"rainbow": Rainbow,
	"mono":    Monochrome,
	"nocolor": NoColor,
}

// ThemeNames returns the available theme names, sorted.
func ThemeNames() []string {
	names := make([]string, 0, len(themeRegistry))
	for name := range themeRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetTheme returns the named theme, falling back to Rainbow. noColor always
// selects NoColor.
func GetTheme(name string, noColor bool) Theme {
	if noColor {
		return NoColor(true)
	}
	if fn, ok := themeRegistry[name]; ok {
		return fn(false)
	}
	return Rainbow(false)
}

func ValidTheme(name string) bool {
	_, ok := themeRegistry[name]
	return ok
}

func fg(color string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

// Rainbow is the default theme.
func Rainbow(noColor bool) Theme {
	if noColor {
		return NoColor(true)
	}
	return Theme{
		Name:    "rainbow",
		Title:   fg("#8EEBFF").Bold(true),
		Accent:  fg("#FF6FF7"),
		Text:    fg("#E6E6FA"),
		Dim:     fg("#6C6F93"),
		Success: fg("#5CFF5C").Bold(true),
		Warning: fg("#FFD166").Bold(true),
		Error:   fg("#FF5F56").Bold(true),
	}
}

// Monochrome uses shades of gray; failures are underlined.
func Monochrome(noColor bool) Theme {
	if noColor {
		return NoColor(true)
	}
	return Theme{
		Name:    "mono",
		Title:   fg("#FFFFFF").Bold(true),
		Accent:  fg("#FFFFFF").Bold(true),
		Text:    fg("#CCCCCC"),
		Dim:     fg("#666666"),
		Success: fg("#CCCCCC").Bold(true),
		Warning: fg("#AAAAAA").Bold(true),
		Error:   fg("#FFFFFF").Bold(true).Underline(true),
	}
}

// NoColor only uses bold text, for NO_COLOR environments and pipes.
func NoColor(bool) Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Name:    "nocolor",
		Title:   plain.Bold(true),
		Accent:  plain.Bold(true),
		Text:    plain,
		Dim:     plain,
		Success: plain.Bold(true),
		Warning: plain.Bold(true),
		Error:   plain.Bold(true),
	}
}
