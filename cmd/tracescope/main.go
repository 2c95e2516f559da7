package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"tracescope/internal/companion"
	"tracescope/internal/config"
	"tracescope/internal/gateway"
	"tracescope/internal/integration"
	"tracescope/internal/logging"
	"tracescope/internal/server"
	"tracescope/internal/store"
)

const version = "1.0.0"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tracescope",
	Short: "tracescope - local LLM trace capture and debugging host",
	Long: `tracescope captures traces from instrumented LLM applications into a
local SQLite store, streams them to connected viewers over WebSocket, and
drives editor integration (jump-to-code, trace sync) through a companion
channel.

Run "tracescope serve" to start the host.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the capture host
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trace capture host",
	Long: `Starts the full host: the HTTP/WebSocket service endpoint (with port
negotiation from the preferred port), the companion channel one port above
it, the editor integration manager, and the workspace watcher.`,
	RunE: runServe,
}

// statsCmd prints store statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show trace store statistics",
	RunE:  runStats,
}

// sessionsCmd lists recorded sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE:  runSessions,
}

var sessionsLimit int

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <workspace>/.tracescope/config.yaml)")

	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, ".tracescope", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Integration.WorkspacePath == "." {
		cfg.Integration.WorkspacePath = workspace
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	dbPath := cfg.Storage.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, ".tracescope", dbPath)
	}
	return store.Open(dbPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logging.Initialize(workspace); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := gateway.NewHub()
	hub.Run()
	defer hub.Stop()

	srv := server.New(cfg.Server, st, hub, version)
	srvErr, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("start service endpoint: %w", err)
	}
	logger.Info("Service endpoint ready",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", srv.Port()),
		zap.String("db", st.Path()))

	host := companion.NewHost(cfg.Companion, version)
	hostErr, err := host.Start(ctx, cfg.Server.Host, srv.Port())
	if err != nil {
		return fmt.Errorf("start companion channel: %w", err)
	}
	logger.Info("Companion channel ready", zap.Int("port", host.Port()))

	manager := integration.NewManager(cfg.Integration, host)
	manager.Start(ctx)
	defer manager.Stop()

	watcher, err := integration.NewWorkspaceWatcher(cfg.Integration.WorkspacePath, func(path, op string) {
		host.SendWorkspaceChanged(path, op)
	})
	if err != nil {
		logger.Warn("Workspace watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Workspace watch failed", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err, ok := <-srvErr:
			if ok && err != nil {
				return fmt.Errorf("service endpoint: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case err, ok := <-hostErr:
			if ok && err != nil {
				return fmt.Errorf("companion channel: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessions, err := st.ListSessions(sessionsLimit, 0)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTARTED")
	for _, s := range sessions {
		started := time.UnixMilli(s.StartTime).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, started)
	}
	return w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
