package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joss/crabrelay/internal/alerts"
)

// alertCmd inspects the alerts the relay raised (recovered panics, failed
// restores) under the data directory.
func alertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Relay alert commands",
		Run: func(cmd *cobra.Command, args []string) {
			listAlerts()
		},
	}

	cmd.AddCommand(
		alertListCmd(),
		alertResolveCmd(),
		alertDirCmd(),
	)
	return cmd
}

func listAlerts() {
	active := alerts.Global().GetActive()
	if asJSON {
		printJSON(active)
		return
	}
	fmt.Print(renderer().Alerts(active))
}

func alertListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active alerts",
		Run: func(cmd *cobra.Command, args []string) {
			listAlerts()
		},
	}
}

func alertResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !alerts.Global().Resolve(args[0]) {
				fatalErrorf("no active alert %s", args[0])
			}
			fmt.Printf("Resolved: %s\n", args[0])
		},
	}
}

func alertDirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dir",
		Short: "Show alert directory path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(alerts.Global().Dir())
		},
	}
}
