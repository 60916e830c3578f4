package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/client"
	"github.com/joss/crabrelay/internal/config"
	"github.com/joss/crabrelay/internal/render"
)

var (
	relayURL     string
	relayToken   string
	deviceID     string
	deviceSecret string
)

func addClientFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&relayURL, "url", "", "Relay base URL (default $CRABRELAY_URL)")
	f.StringVar(&relayToken, "token", "", "Mobile bearer token (default $CRABRELAY_TOKEN)")
	f.StringVar(&deviceID, "device-id", "", "Sign requests as this device (default $CRABRELAY_DEVICE_ID)")
	f.StringVar(&deviceSecret, "secret", "", "Device secret (default $CRABRELAY_DEVICE_SECRET)")
}

// credentials resolves flags over environment.
func credentials() (url, token, id, secret string) {
	env := config.Env()
	pick := func(flag, fallback string) string {
		if flag != "" {
			return flag
		}
		return fallback
	}
	return pick(relayURL, env.URL), pick(relayToken, env.Token),
		pick(deviceID, env.DeviceID), pick(deviceSecret, env.DeviceSecret)
}

// newClient builds a relay client, preferring device signing when both a
// device and a token are configured.
func newClient() *client.Client {
	url, token, id, secret := credentials()
	var opts []client.Option
	switch {
	case id != "" && secret != "":
		opts = append(opts, client.WithDevice(id, auth.HashToken(secret)))
	case token != "":
		opts = append(opts, client.WithToken(token))
	}
	return client.New(url, opts...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func stdout() *render.Writer {
	return render.Stdout()
}

func renderer() *render.Renderer {
	return render.New(pretty)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalError(err)
	}
	fmt.Println(string(data))
}

func fatalError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func fatalErrorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
