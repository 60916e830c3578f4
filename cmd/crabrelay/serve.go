package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/crabrelay/internal/config"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/gateway"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
	"github.com/joss/crabrelay/internal/relay"
	"github.com/joss/crabrelay/internal/runtime"
	"github.com/joss/crabrelay/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		addr          string
		publicURL     string
		metricsAddr   string
		origins       []string
		idleTTL       time.Duration
		shutdownAfter time.Duration
		memory        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay: desktop WebSocket ingress, viewer SSE streams and the
session directory API.

Environment:
  CRABRELAY_ADDR             listen address (:8787)
  CRABRELAY_PUBLIC_URL       base URL used to build ws_url
  CRABRELAY_DATA_DIR         sqlite databases and alerts
  CRABRELAY_ALLOWED_ORIGINS  comma-separated origin globs
  CRABRELAY_INTERNAL_TOKEN   guards /internal/list routes
  CRABRELAY_METRICS_ADDR     standalone metrics listener`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			env := config.Env()
			if !cmd.Flags().Changed("addr") {
				addr = env.Addr
			}
			if !cmd.Flags().Changed("public-url") {
				publicURL = env.PublicURL
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = env.MetricsAddr
			}
			if !cmd.Flags().Changed("origin") {
				origins = env.AllowedOrigins
			}
			if !cmd.Flags().Changed("idle-ttl") {
				idleTTL = env.IdleTTL
			}

			if err := runServe(serveOptions{
				addr:        addr,
				publicURL:   publicURL,
				metricsAddr: metricsAddr,
				origins:     origins,
				idleTTL:     idleTTL,
				timeout:     shutdownAfter,
				memory:      memory,
			}); err != nil {
				fatalError(err)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8787", "Listen address")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "Externally reachable base URL")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on a separate address")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "Allowed origin glob (repeatable)")
	cmd.Flags().DurationVar(&idleTTL, "idle-ttl", 10*time.Minute, "Evict session actors idle this long")
	cmd.Flags().BoolVar(&memory, "memory", false, "Keep actor state in memory (lost on restart)")
	cmd.Flags().DurationVar(&shutdownAfter, "shutdown-timeout", runtime.DefaultShutdownTimeout, "Graceful shutdown budget")
	return cmd
}

type serveOptions struct {
	addr        string
	publicURL   string
	metricsAddr string
	origins     []string
	idleTTL     time.Duration
	timeout     time.Duration
	memory      bool
}

func runServe(opts serveOptions) error {
	log := logging.New("serve")
	env := config.Env()

	if err := config.EnsureDir(dataDir); err != nil {
		return err
	}

	var state store.StateStore = store.NewMemory()
	if !opts.memory {
		db, err := store.OpenSQLite(config.StateDB(dataDir))
		if err != nil {
			return err
		}
		state = db
	}
	dir, err := directory.Open(config.DirectoryDB(dataDir))
	if err != nil {
		state.Close()
		return err
	}

	mgr := runtime.NewShutdownManager(opts.timeout)
	// LIFO: the server stops first, storage closes last
	mgr.RegisterSimple("state_store", func() { state.Close() })
	mgr.RegisterSimple("directory", func() { dir.Close() })

	m := metrics.Global()
	rl := relay.New(relay.Config{
		Store:          state,
		IdleTTL:        opts.idleTTL,
		Mailbox:        env.MailboxSize,
		ViewerBuffer:   env.ViewerBuffer,
		Metrics:        m,
		ReconnectGrace: env.ReconnectGrace,
	})
	mgr.Register("relay", rl.Shutdown)

	if opts.metricsAddr != "" {
		ms := metrics.NewServer(opts.metricsAddr)
		if err := ms.Start(); err != nil {
			return err
		}
		mgr.Register("metrics", ms.Stop)
		log.Info("metrics_listening", map[string]interface{}{"addr": opts.metricsAddr})
	}

	srv := gateway.New(gateway.Config{
		Addr:           opts.addr,
		PublicURL:      opts.publicURL,
		InternalToken:  env.InternalToken,
		AllowedOrigins: opts.origins,
		ViewerBuffer:   env.ViewerBuffer,
		SignatureSkew:  env.SignatureSkew,
		Relay:          rl,
		Directory:      dir,
		Metrics:        m,
	})
	mgr.Register("gateway", srv.Shutdown)

	logging.SafeGo("reaper", func() { rl.RunReaper(mgr.Context()) })
	logging.SafeGo("sweep", func() { rl.SweepRestored(mgr.Context()) })
	mgr.ListenForSignals()

	log.Info("starting", map[string]interface{}{
		"version":  version,
		"data_dir": dataDir,
		"origins":  strings.Join(opts.origins, ","),
		"idle_ttl": opts.idleTTL.String(),
	})

	if err := srv.Serve(); err != nil {
		mgr.Shutdown()
		return err
	}
	mgr.WaitForShutdown()
	return errors.Join(mgr.Errors()...)
}
