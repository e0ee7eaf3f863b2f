package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/virelabs/toolhost/internal/builtin"
	"github.com/virelabs/toolhost/internal/catalog"
	"github.com/virelabs/toolhost/internal/config"
	"github.com/virelabs/toolhost/internal/container"
	"github.com/virelabs/toolhost/internal/dispatch"
	"github.com/virelabs/toolhost/internal/plugin"
	"github.com/virelabs/toolhost/internal/server"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, listenAddr)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address override (host:port)")

	return cmd
}

func runServe(ctx context.Context, configPath, listenAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	binary, err := container.Discover(log, cfg.Runtime.Binary)
	if err != nil {
		return err
	}

	set, cleanup, err := buildBuiltins(log, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := plugin.NewRegistry()
	provisioner := plugin.NewProvisioner(log, registry,
		container.NewCLI(log, binary), plugin.SubprocessLauncher{Log: log})

	addr := cfg.Listen.Addr()
	if listenAddr != "" {
		addr = listenAddr
	}

	srv := server.New(addr, provisioner, registry,
		catalog.New(set, registry), dispatch.New(log, set, registry), log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()

		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}

		// Stop whatever plugins are still alive.
		for _, snap := range registry.List() {
			_ = registry.Remove(snap.Name)
		}

		return nil
	})

	return g.Wait()
}

func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, err
	}

	if path == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	return cfg, nil
}

// buildBuiltins assembles the built-in tool set from whatever the config
// enables. The cleanup closes the sql_query database, if opened.
func buildBuiltins(log *slog.Logger, cfg *config.Config) (*builtin.Set, func(), error) {
	var tools []*builtin.Tool

	cleanup := func() {}

	if cfg.ModelAPI.BaseURL != "" {
		apiKey := os.Getenv(cfg.ModelAPI.APIKeyEnv)
		proxy := builtin.NewModelProxy(log, cfg.ModelAPI.BaseURL, apiKey, cfg.ModelAPI.Model)
		tools = append(tools, proxy.Tool())
	}

	if cfg.Database.Path != "" {
		db, err := sql.Open("sqlite", cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
		}

		cleanup = func() { _ = db.Close() }

		tools = append(tools, builtin.NewSQLQuery(log, db, cfg.Database.AllowTables).Tool())
	}

	if cfg.RepoRoot != "" {
		tools = append(tools, builtin.NewRepoStats(log, cfg.RepoRoot).Tool())
	}

	return builtin.NewSet(tools...), cleanup, nil
}
