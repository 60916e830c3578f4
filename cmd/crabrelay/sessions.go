package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/tui"
)

const requestTimeout = 15 * time.Second

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func sessionsCmd() *cobra.Command {
	var (
		history bool
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		Long: `List the sessions visible to the configured device or token.

By default shows sessions with a connected desktop. --history lists the
directory records instead, newest first.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()
			c := newClient()

			if history {
				records, err := c.History(ctx, limit, offset)
				if err != nil {
					fatalError(err)
				}
				if asJSON {
					printJSON(records)
					return
				}
				fmt.Print(renderer().History(records))
				return
			}

			live, err := c.Sessions(ctx)
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(live)
				return
			}
			fmt.Print(renderer().Sessions(live))
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "List directory records instead of live sessions")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum records with --history")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip with --history")
	return cmd
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <session-id>",
		Short: "Show a session's cached state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			d, err := newClient().State(ctx, args[0])
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(d)
				return
			}
			fmt.Print(renderer().Diagnostics(args[0], d))
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream a session's events",
		Long: `Follow a session's event stream until interrupted. The first events
replay the cached screen, scrollback and state.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			r := renderer()
			err := newClient().Watch(ctx, args[0], func(ev protocol.Event) error {
				if asJSON {
					printJSON(ev)
					return nil
				}
				fmt.Print(r.Event(ev))
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				fatalError(err)
			}
		},
	}
}

func topCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of connected sessions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			if err := tui.Run(ctx, newClient()); err != nil {
				fatalError(err)
			}
		},
	}
}

func answerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <session-id> <text>",
		Short: "Send an answer to the desktop",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			if err := newClient().Answer(ctx, args[0], args[1]); err != nil {
				fatalError(err)
			}
			stdout().Println("Sent answer to %s", args[0])
		},
	}
}

func keyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <session-id> <key>",
		Short: "Send a key press to the desktop (e.g. enter, escape, up)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			if err := newClient().Key(ctx, args[0], args[1]); err != nil {
				fatalError(err)
			}
			stdout().Println("Sent key %q to %s", args[1], args[0])
		},
	}
}

func shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <session-id>",
		Short: "Create a view-only share link",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			c := newClient()
			token, link, err := c.Share(ctx, args[0])
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(map[string]string{"token": token, "url": link})
				return
			}
			w := stdout()
			w.Header("Share link for %s", args[0])
			w.Item("URL:   %s", link)
			w.Item("Token: %s", token)
		},
	}
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "Mark a session ended in the directory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			now := time.Now().Unix()
			sess, err := newClient().Update(ctx, args[0], directory.SessionPatch{EndedAt: &now})
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(sess)
				return
			}
			stdout().Println("Ended %s", sess.ID)
		},
	}
}

func deleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !force {
				fmt.Fprintf(os.Stderr, "Refusing to delete %s without --force\n", args[0])
				os.Exit(1)
			}
			ctx, cancel := requestContext()
			defer cancel()

			if err := newClient().Delete(ctx, args[0]); err != nil {
				fatalError(err)
			}
			stdout().Println("Deleted %s", args[0])
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Confirm deletion")
	return cmd
}
