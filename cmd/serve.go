package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/renjiyun06/mosaic-sub001/internal/config"
	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/gateway"
	"github.com/renjiyun06/mosaic-sub001/internal/runtime"
	"github.com/renjiyun06/mosaic-sub001/internal/store/sqldb"
)

var (
	startMeshes  []int64
	agentCommand string
	agentArgs    []string
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mesh runtime and gateway",
		Run:   func(cmd *cobra.Command, args []string) { runServe(cmd) },
	}
	cmd.Flags().Int64SliceVar(&startMeshes, "start-mesh", nil, "mesh ids to start at boot (repeatable)")
	cmd.Flags().StringVar(&agentCommand, "agent-command", "claude-agent", "agent CLI launched per agent session")
	cmd.Flags().StringSliceVar(&agentArgs, "agent-arg", nil, "extra arguments for the agent CLI (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.Backend == config.BackendSQLite {
		// Zero-setup mode: sqlite schemas apply on boot. Postgres stays
		// explicit via `mosaic migrate up`.
		if err := applyMigrations(cfg); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	stores := sqldb.NewStores(db)
	drivers := driver.SubprocessFactory(agentCommand, agentArgs...)
	manager := runtime.NewManager(stores, drivers, runtime.ManagerOptions{
		Workers: cfg.Runtime.Workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		slog.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := manager.Stop(context.Background()); err != nil {
			slog.Warn("runtime stop failed", "error", err)
		}
	}()

	for _, meshID := range startMeshes {
		if err := manager.StartMesh(ctx, meshID); err != nil {
			slog.Error("failed to start mesh", "mesh_id", meshID, "error", err)
			os.Exit(1)
		}
	}

	srv := gateway.NewServer(cfg, manager)
	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func openDB(cfg *config.Config) (*sqldb.DB, error) {
	if cfg.Database.Backend == config.BackendPostgres {
		return sqldb.OpenPostgres(cfg.Database.PostgresDSN)
	}
	path := cfg.SQLitePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return sqldb.OpenSQLite(path)
}
