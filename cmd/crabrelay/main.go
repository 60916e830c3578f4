// Package main provides the crabrelay CLI entrypoint.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/config"
)

var (
	version = "0.1.0"
	pretty  = true
	asJSON  bool
	dataDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crabrelay",
		Short: "Relay terminal agent sessions from desktops to remote viewers",
		Long: `crabrelay: a relay between desktop agent sessions and remote viewers.

Desktops connect over WebSocket and push terminal state; phones and browsers
watch over Server-Sent Events and answer prompts.

Use 'crabrelay serve' to run the relay.
Use 'crabrelay sessions' or 'crabrelay top' to look at a running one.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dataDir == "" {
				dataDir = config.Env().DataDir
			}
			if os.Getenv("CRABRELAY_ALERT_DIR") == "" {
				alerts.SetGlobal(alerts.NewManager(filepath.Join(dataDir, "alerts")))
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", term.IsTerminal(int(os.Stdout.Fd())), "Pretty print output")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $CRABRELAY_DATA_DIR or ~/.crabrelay/data)")
	addClientFlags(rootCmd)

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "sessions", Title: "Sessions:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	for _, c := range []*cobra.Command{serveCmd(), doctorCmd(), backupCmd()} {
		c.GroupID = "server"
		rootCmd.AddCommand(c)
	}

	for _, c := range []*cobra.Command{sessionsCmd(), stateCmd(), watchCmd(), topCmd(), answerCmd(), keyCmd(), shareCmd(), endCmd(), deleteCmd()} {
		c.GroupID = "sessions"
		rootCmd.AddCommand(c)
	}

	for _, c := range []*cobra.Command{deviceCmd(), tokenCmd(), alertCmd()} {
		c.GroupID = "admin"
		rootCmd.AddCommand(c)
	}

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show crabrelay version",
		Run: func(cmd *cobra.Command, args []string) {
			stdout().Println("crabrelay version %s", version)
		},
	}
}
