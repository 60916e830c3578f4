package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/crabrelay/internal/backup"
	"github.com/joss/crabrelay/internal/selftest"
)

func doctorCmd() *cobra.Command {
	var (
		verbose bool
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the relay installation",
		Long: `Diagnose the local data directory and databases, active alerts and,
unless --offline, whether the relay at --url answers /health.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var ping func(context.Context) error
			if !offline {
				ping = newClient().Health
			}

			r := selftest.Run(context.Background(), selftest.DefaultChecks(dataDir, ping), 5*time.Second)
			switch {
			case asJSON:
				printJSON(r)
			case verbose:
				fmt.Print(r.Summary())
			default:
				fmt.Println(r.QuickCheck())
			}
			if !r.Healthy() {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show every check")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip probing the relay")
	return cmd
}

// backupCmd manages data directory backups.
func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up and restore the relay databases",
	}
	cmd.AddCommand(backupExportCmd(), backupImportCmd(), backupListCmd())
	return cmd
}

func backupExportCmd() *cobra.Command {
	var (
		output      string
		description string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Snapshot the databases into a tar.gz (safe while serving)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if output == "" {
				output = filepath.Join(".", fmt.Sprintf("crabrelay-%s.tar.gz", time.Now().Format("20060102-150405")))
			}
			meta, err := backup.NewManager(dataDir).Export(context.Background(), output, description)
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(meta)
				return
			}
			w := stdout()
			w.Header("Backup written")
			w.Item("File: %s", output)
			for _, p := range meta.Parts {
				w.Nested("%s (%d bytes)", p, meta.Sizes[string(p)])
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Archive path")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Note stored in the archive")
	return cmd
}

func backupImportCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Restore the databases (stop the relay first)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			meta, err := backup.NewManager(dataDir).Import(context.Background(), args[0], overwrite)
			if err != nil {
				fatalError(err)
			}
			stdout().Println("Restored %d database(s) from %s (created %s)",
				len(meta.Parts), args[0], meta.CreatedAt.Format(time.RFC3339))
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing databases")
	return cmd
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>",
		Short: "Show what an archive contains",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			meta, err := backup.NewManager(dataDir).List(args[0])
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(meta)
				return
			}
			w := stdout()
			w.Header("Backup %s", filepath.Base(args[0]))
			w.Item("Created: %s", meta.CreatedAt.Format(time.RFC3339))
			if meta.Description != "" {
				w.Item("Note:    %s", meta.Description)
			}
			for _, p := range meta.Parts {
				sum := meta.Checksums[string(p)+".db"]
				if len(sum) > 12 {
					sum = sum[:12]
				}
				w.Nested("%s sha256:%s", p, sum)
			}
		},
	}
}
