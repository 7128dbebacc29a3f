package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nanoncore/nano-olt-manager/pkg/api"
	"github.com/nanoncore/nano-olt-manager/pkg/config"
	"github.com/nanoncore/nano-olt-manager/pkg/olt"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/cli"
	"github.com/nanoncore/nano-olt-manager/pkg/store"
)

var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nano-olt-manager",
	Short: "Management plane for Huawei MA5801-series GPON OLTs",
	Long: `nano-olt-manager exposes a REST API over the interactive CLI of a
Huawei MA5801-series OLT.

It keeps an inventory snapshot of the device (bound and discovered ONTs,
profiles, VLANs, GPON ports) refreshed over a single SSH session, and turns
bind/unbind requests into the corresponding CLI command sequences with
rollback on failure.

Quick start:
  SESSION_SECRET=<32+ chars> SUPER_ADMIN_PASSWORD=<password> nano-olt-manager serve`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nano-olt-manager version %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Serve starts the HTTP API and the OLT manager.

On boot it opens the database, ensures the super admin account exists and,
if an OLT credential was previously activated, reconnects to that device and
starts the periodic inventory refresh.

This command runs in the foreground and is designed to be managed by systemd.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a JSON config file (environment variables override it)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "olt-manager",
	})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	st, err := store.Open(cfg.DatabasePath, []byte(cfg.SessionSecret))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	if err := st.EnsureSuperAdmin(cfg.SuperAdminUsername, cfg.SuperAdminPassword); err != nil {
		return fmt.Errorf("bootstrap super admin: %w", err)
	}

	factory := func(host string, port int, username, password string) api.OltService {
		return olt.NewManager(
			olt.SSHDialer(cli.Config{
				Host:     host,
				Port:     port,
				Username: username,
				Password: password,
			}, logger.With("component", "cli")),
			logger.With("component", "olt"),
			olt.WithRefreshInterval(cfg.RefreshInterval),
		)
	}

	server := api.NewServer(st, factory, logger.With("component", "api"))
	if err := server.ConnectActive(); err != nil {
		return fmt.Errorf("connect active credential: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go purgeSessions(ctx, st, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		server.Shutdown()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	server.Shutdown()
	return nil
}

// purgeSessions drops expired sessions once an hour.
func purgeSessions(ctx context.Context, st *store.Store, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpiredSessions()
			if err != nil {
				logger.Warn("session purge failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired sessions", "count", n)
			}
		}
	}
}
