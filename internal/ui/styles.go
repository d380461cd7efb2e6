package ui

import "github.com/charmbracelet/lipgloss"

// Single-accent palette. Cyan accent, muted grays for structure.
const (
	colorAccent    = "45"  // bright cyan
	colorAccentDim = "31"  // dimmed cyan
	colorWhite     = "255"
	colorGray      = "245"
	colorDarkGray  = "238"
	colorRed       = "196"
	colorYellow    = "220"
)

// Styles holds the lipgloss styles used by the renderers.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Label   lipgloss.Style
	Phase   lipgloss.Style
	Score   lipgloss.Style
	Path    lipgloss.Style
}

// DefaultStyles returns the colored style set.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorDarkGray)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
		Phase:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccentDim)),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
		Path:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorWhite)),
	}
}

// NoColorStyles returns unstyled equivalents for plain mode.
func NoColorStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
		Phase:   lipgloss.NewStyle(),
		Score:   lipgloss.NewStyle(),
		Path:    lipgloss.NewStyle(),
	}
}

// GetStyles selects the style set for the color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
