package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/ui"
)

// helpRule colors one kind of token in Cobra's plain-text help.
type helpRule struct {
	re     *regexp.Regexp
	render func(parts []string) string
}

var helpRules = []helpRule{
	// Group headers ("Signals:", "Flags:"). "Usage:" is left alone since it
	// is followed by text on the same line.
	{
		re:     regexp.MustCompile(`(?m)^([A-Z][^\n]*:)\s*$`),
		render: func(p []string) string { return ui.RenderAccent(strings.TrimSpace(p[0])) },
	},
	// Command names in the command listing.
	{
		re:     regexp.MustCompile(`(?m)^(  )(\S+)(  )`),
		render: func(p []string) string { return p[1] + ui.RenderCommand(p[2]) + p[3] },
	},
	// Flag value types, e.g. "--limit int".
	{
		re:     regexp.MustCompile(`(--?\S+\s+)(string|int|duration|stringSlice)\b`),
		render: func(p []string) string { return p[1] + ui.RenderMuted(p[2]) },
	},
	{
		re:     regexp.MustCompile(`\(default [^)]*\)`),
		render: func(p []string) string { return ui.RenderMuted(p[0]) },
	},
}

// colorizedHelpFunc returns a Cobra help function that colors the default
// help text when stdout supports it.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if noColor || !ui.ColorEnabled(cmd.OutOrStdout()) {
			_ = cmd.Usage()
			return
		}
		orig := cmd.OutOrStdout()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(orig)
		fmt.Fprint(orig, colorizeHelpOutput(buf.String()))
	}
}

func colorizeHelpOutput(s string) string {
	for _, rule := range helpRules {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			return rule.render(rule.re.FindStringSubmatch(match))
		})
	}
	return s
}
