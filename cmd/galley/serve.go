package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/galley/internal/config"
	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/runner"
	"github.com/jackzampolin/galley/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Galley server",
	Long: `Start the Galley HTTP server.

Persisted jobs are restored on startup; jobs that were running when the
server stopped come back paused and can be resumed.

Examples:
  galley serve                   # Start on the configured address
  galley serve --port 3000       # Start on a custom port
  galley serve --host 0.0.0.0    # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		cm, err := config.NewManager(cfgFile, h.Path())
		if err != nil {
			return err
		}
		cfg := cm.Get()

		// Job store with snapshot persistence
		store := jobs.NewStore(logger)
		interval := time.Duration(cfg.Persist.IntervalSeconds * float64(time.Second))
		if err := store.ConfigurePersistence(h.SnapshotsPath(), interval); err != nil {
			return err
		}
		if n := store.LoadPersisted(); n > 0 {
			logger.Info("restored persisted jobs", "count", n)
		}

		run := runner.New(store, h, logger)

		host := serveHost
		if host == "" {
			host = cfg.Server.Host
		}
		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Store:         store,
			Runner:        run,
			ConfigManager: cm,
			Home:          h,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Pick up config file edits without a restart
		cm.WatchConfig()

		// Start server (blocks until shutdown)
		serveErr := srv.Start(ctx)

		// Flush outstanding snapshots before exiting
		store.ShutdownPersistence()
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
