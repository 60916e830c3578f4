package main

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/spf13/cobra"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/config"
	"github.com/joss/crabrelay/internal/directory"
)

// deviceCmd manages desktop device registrations.
func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device registration commands",
	}
	cmd.AddCommand(deviceRegisterCmd(), deviceListCmd())
	return cmd
}

func deviceRegisterCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "register <device-id>",
		Short: "Register a device with the relay",
		Long: `Register a device id and the hash of its secret with a running relay.

The secret comes from --secret or $CRABRELAY_DEVICE_SECRET. When neither is
set a random secret is generated and printed once; store it, the relay
only keeps its hash.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			url, _, _, secret := credentials()
			generated := false
			if secret == "" {
				secret = randomSecret()
				generated = true
			}

			d, err := newClient().RegisterDevice(ctx, args[0], auth.HashToken(secret), name)
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				out := map[string]interface{}{"device": d}
				if generated {
					out["secret"] = secret
				}
				printJSON(out)
				return
			}

			w := stdout()
			w.Header("Registered %s", d.ID)
			w.Item("Relay:   %s", url)
			if generated {
				w.Item("Secret:  %s", secret)
				w.Nested("export CRABRELAY_DEVICE_ID=%s CRABRELAY_DEVICE_SECRET=%s", d.ID, secret)
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Human-readable device name")
	return cmd
}

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices (reads the local directory database)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			dir := openDirectory()
			defer dir.Close()

			devices, err := dir.ListDevices(ctx)
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(devices)
				return
			}

			w := stdout()
			if len(devices) == 0 {
				w.Empty("No registered devices")
				return
			}
			w.Header("Devices (%d)", len(devices))
			for _, d := range devices {
				w.Item("%-24s %-20s %s", d.ID, d.Name, d.CreatedAt.Format("2006-01-02 15:04"))
			}
		},
	}
}

// tokenCmd manages mobile bearer tokens.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mobile token commands (operate on the local directory database)",
	}
	cmd.AddCommand(tokenIssueCmd(), tokenRevokeCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "issue <device-id>",
		Short: "Issue a mobile token that acts for a device",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			dir := openDirectory()
			defer dir.Close()

			token, link, err := dir.CreateMobileLink(ctx, args[0], name)
			if err != nil {
				fatalError(err)
			}
			if asJSON {
				printJSON(map[string]interface{}{"token": token, "link": link})
				return
			}
			w := stdout()
			w.Header("Mobile token for %s", link.DeviceID)
			w.Item("Token: %s", token)
			w.Nested("shown once; the relay stores only its hash")
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Label for the token (e.g. phone)")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke every mobile token of a device",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := requestContext()
			defer cancel()

			dir := openDirectory()
			defer dir.Close()

			n, err := dir.RevokeMobileLinks(ctx, args[0])
			if err != nil {
				fatalError(err)
			}
			stdout().Println("Revoked %d token(s) for %s", n, args[0])
		},
	}
}

func openDirectory() *directory.SQLite {
	if err := config.EnsureDir(dataDir); err != nil {
		fatalError(err)
	}
	dir, err := directory.Open(config.DirectoryDB(dataDir))
	if err != nil {
		fatalError(err)
	}
	return dir
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		fatalErrorf("generate secret: %v", err)
	}
	return hex.EncodeToString(b)
}
