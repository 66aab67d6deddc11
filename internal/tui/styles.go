package tui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
)

// Styles holds every lipgloss style the board uses.
type Styles struct {
	Title    lipgloss.Style
	Board    lipgloss.Style
	Glyph    lipgloss.Style
	Control  lipgloss.Style
	Active   lipgloss.Style
	Pointer  lipgloss.Style
	Revealed lipgloss.Style
	You      lipgloss.Style
	Spirit   lipgloss.Style
	Status   lipgloss.Style
	Error    lipgloss.Style
	Crisis   lipgloss.Style
	Help     lipgloss.Style

	// Board border colour per effect.
	Effect map[string]lipgloss.Color
}

// DefaultStyles returns the candle-lit palette.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#d4a373")),
		Board:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6b4f3a")).Padding(0, 1),
		Glyph:    lipgloss.NewStyle().Foreground(lipgloss.Color("#a68a64")),
		Control:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#d4a373")),
		Active:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1a1a1a")).Background(lipgloss.Color("#f2e8cf")),
		Pointer:  lipgloss.NewStyle().Foreground(lipgloss.Color("#f2e8cf")),
		Revealed: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f2e8cf")),
		You:      lipgloss.NewStyle().Foreground(lipgloss.Color("#8ecae6")),
		Spirit:   lipgloss.NewStyle().Foreground(lipgloss.Color("#d4a373")),
		Status:   lipgloss.NewStyle().Faint(true),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("#e63946")),
		Crisis:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#9d0208")).Padding(0, 1),
		Help:     lipgloss.NewStyle().Faint(true),
		Effect: map[string]lipgloss.Color{
			"shake":   lipgloss.Color("#e63946"),
			"glow":    lipgloss.Color("#90be6d"),
			"flicker": lipgloss.Color("#f9c74f"),
			"fadeout": lipgloss.Color("#3a3a3a"),
		},
	}
}

// KeyMap defines the board's key bindings.
type KeyMap struct {
	Ask    key.Binding
	Export key.Binding
	Quit   key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Ask:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "ask")),
		Export: key.NewBinding(key.WithKeys("ctrl+e"), key.WithHelp("ctrl+e", "save transcript")),
		Quit:   key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "leave")),
	}
}
