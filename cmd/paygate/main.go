package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/client"
	"github.com/alfredjeanlab/paygate/internal/ui"
)

var (
	serverURL  string
	authToken  string
	jsonOutput bool
	noColor    bool

	gateClient client.GateClient
)

func defaultServerURL() string {
	if s := os.Getenv("PAYGATE_URL"); s != "" {
		return s
	}
	if u := activeRemoteURL(); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	if s := os.Getenv("PAYGATE_TOKEN"); s != "" {
		return s
	}
	return activeRemoteToken()
}

var rootCmd = &cobra.Command{
	Use:           "paygate <command>",
	Short:         "Signal-fusion trigger gate for payment prompts",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ColorEnabled(cmd.OutOrStdout()) {
			ui.ForceNoColor()
		}
		gateClient = client.NewHTTPClient(serverURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if gateClient != nil {
			gateClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "paygate HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "signals", Title: "Signals:"},
		&cobra.Group{ID: "decisions", Title: "Decisions:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Signals
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(foregroundCmd)
	rootCmd.AddCommand(backgroundCmd)
	rootCmd.AddCommand(sourcesCmd)

	// Decisions
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(watchCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
