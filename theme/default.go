package theme

import (
	"fmt"

	"github.com/pterm/pterm"
)

// Theme defines the colour scheme and styling for the application
type Theme struct {
	// Log level colours
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style

	// Component colours
	Success   *pterm.Style
	Highlight *pterm.Style
	Muted     *pterm.Style
	Accent    *pterm.Style

	// Domain colours
	Engine  pterm.Color
	Stream  pterm.Color
	VPN     pterm.Color
	Counts  pterm.Color
	Numbers pterm.Color

	// Health colours
	HealthHealthy   pterm.Color
	HealthUnhealthy pterm.Color
	HealthUnknown   pterm.Color
}

// Default returns the default application theme
func Default() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgGreen),
		Warn:  pterm.NewStyle(pterm.FgYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgRed, pterm.Bold),

		Success:   pterm.NewStyle(pterm.FgGreen, pterm.Bold),
		Highlight: pterm.NewStyle(pterm.FgCyan, pterm.Bold),
		Muted:     pterm.NewStyle(pterm.FgGray),
		Accent:    pterm.NewStyle(pterm.FgMagenta),

		Engine:  pterm.FgCyan,
		Stream:  pterm.FgBlue,
		VPN:     pterm.FgMagenta,
		Counts:  pterm.FgLightWhite,
		Numbers: pterm.FgLightCyan,

		HealthHealthy:   pterm.FgGreen,
		HealthUnhealthy: pterm.FgRed,
		HealthUnknown:   pterm.FgYellow,
	}
}

// Mono returns a colourless theme for dumb terminals
func Mono() *Theme {
	plain := pterm.NewStyle(pterm.FgDefault)
	return &Theme{
		Debug: plain, Info: plain, Warn: plain, Error: plain,
		Success: plain, Highlight: plain, Muted: plain, Accent: plain,
		Engine: pterm.FgDefault, Stream: pterm.FgDefault, VPN: pterm.FgDefault,
		Counts: pterm.FgDefault, Numbers: pterm.FgDefault,
		HealthHealthy: pterm.FgDefault, HealthUnhealthy: pterm.FgDefault, HealthUnknown: pterm.FgDefault,
	}
}

// GetTheme resolves a theme by name, falling back to the default
func GetTheme(name string) *Theme {
	switch name {
	case "mono":
		return Mono()
	default:
		return Default()
	}
}

// Hyperlink renders an OSC-8 terminal hyperlink
func Hyperlink(uri, text string) string {
	return fmt.Sprintf("\x1b]8;;%s\x1b\\%s\x1b]8;;\x1b\\", uri, text)
}
