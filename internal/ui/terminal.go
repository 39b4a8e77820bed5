package ui

import (
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ColorEnabled reports whether ANSI colors should be written to w.
//
// Order: PAYGATE_COLOR (always|never|auto), NO_COLOR, CLICOLOR_FORCE=1,
// CLICOLOR=0, then whether w is a terminal. Writers without a file
// descriptor, such as buffers, never get color unless forced.
func ColorEnabled(w io.Writer) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("PAYGATE_COLOR"))) {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
