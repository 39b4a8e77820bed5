package ui

import (
	"fmt"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorPass   = 114 // green
	colorWarn   = 179 // amber
	colorFail   = 203 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderRoute colors a decision route: foreground prompts stand out,
// background notifications are muted.
func RenderRoute(r model.Route) string {
	if r == model.RouteForeground {
		return paint(colorAccent, string(r))
	}
	return paint(colorMuted, string(r))
}

// RenderOutcome colors a feedback outcome. An unresolved decision renders
// as "pending".
func RenderOutcome(o model.Outcome) string {
	switch o {
	case model.OutcomeActedOn:
		return paint(colorPass, string(o))
	case model.OutcomeShown:
		return paint(colorAccent, string(o))
	case model.OutcomeDismissed:
		return paint(colorWarn, string(o))
	case "":
		return paint(colorMuted, "pending")
	default:
		return paint(colorFail, string(o))
	}
}

// RenderPhase colors a gate phase.
func RenderPhase(p model.Phase) string {
	switch p {
	case model.PhaseIdle:
		return paint(colorMuted, string(p))
	case model.PhaseCooldown:
		return paint(colorWarn, string(p))
	default:
		return paint(colorAccent, string(p))
	}
}

// RenderHealth colors a health status string.
func RenderHealth(status string) string {
	if status == "ok" {
		return paint(colorPass, status)
	}
	return paint(colorFail, status)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
